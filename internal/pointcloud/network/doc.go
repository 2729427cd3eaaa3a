// Package network carries point clouds over UDP. A cloud is split into
// fixed-size fragments tagged with its role and a per-role sequence number;
// the Assembler rebuilds complete clouds and the Listener or a pcap replay
// emits them as pointcloud.CloudEvent values.
package network
