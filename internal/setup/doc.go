// Package setup prepares a host for libvirt sandboxes: the isolated lab
// network, the gateway address on its bridge and the nftables rules that keep
// sandbox traffic inside the lab.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
