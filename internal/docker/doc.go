// Package docker drives the inference server container through the Docker
// Engine SDK.
//
// It covers:
//   - client setup with DOCKER_HOST or platform socket detection
//   - image pulls and the server container (ports, repository mount, GPUs)
//   - deployment metadata persisted as container labels, so list/stop/
//     start/remove need no state file
//   - the compose alternative (GenerateCompose, ComposeUp, ComposeDown)
//   - backend image builds through "docker build --target"
//
// The SDK client is created with API version negotiation so any recent
// daemon works.
package docker
