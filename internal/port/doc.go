// Package port picks host ports for server deployments.
//
// Each deployment gets an index, and its ports are shifted by a fixed
// stride so several servers coexist on one host:
//
//	hostPort = containerPort + index*100
//
// Index 0 keeps the server's own ports (8000/8001/8002), index 1 gets
// 8100/8101/8102, and so on. A port taken by another process is replaced
// by the next free one inside the deployment's block, then by a port from
// the IANA dynamic range. A block starts at the lowest container port of
// the set shifted to the index and ends just before the same port at the
// next index, so a busy port never pushes a deployment into its
// neighbour's ports.
package port
