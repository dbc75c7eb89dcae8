// Package hostsim provides the host-side fixtures integration tests and
// cmd/morpheussim use in place of real firmware, PCI devices, and a
// physical network link: an mmap-backed dma.Allocator, an in-memory
// block.Device, a loopback netdev.Device pair, and a refengine-backed
// fake DHCP/HTTP server driven concurrently via errgroup.
package hostsim
