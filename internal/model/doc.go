// Package model defines the domain types and value objects for the
// treeserve CLI.
//
// This package contains pure data structures with no external dependencies.
// Deployments (Deployment, PortAllocation, ContainerInfo) are transient
// representations reconstructed from Docker container labels at runtime;
// there are no persistent deployment state files. Training inputs
// (Profile, ModelFormat, InstanceKind) describe how a model is produced and
// how the inference server should place it.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
