package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"net"

	"sohio.net/snowgen/internal/snowflake"
)

var (
	ErrBadWorkerCIDR = errors.New("provided worker CIDR is invalid")
	ErrBadPodIP      = errors.New("pod ip invalid")
	ErrMaskRange     = errors.New("the specified CIDR mask allows for too many private ip addresses")
)

// topologyBits is the number of host address bits that select the partition
// (high bits) and worker (low bits).
const topologyBits = snowflake.PartitionBits + snowflake.WorkerBits

// TopologyFromPodIP derives the partition and worker ids from the host part
// of a private pod address. The CIDR describes the pod network and may leave
// at most topologyBits host bits, so that every pod in it gets a distinct
// pair.
func TopologyFromPodIP(workerCIDR, podIP string) (partitionID, workerID uint8, err error) {
	mask, err := parseHostMask(workerCIDR)
	if err != nil {
		return
	}
	ip, err := parsePrivateIP(podIP)
	if err != nil {
		return
	}

	host := binary.BigEndian.Uint32(ip.Mask(mask))

	partitionID = uint8(host >> snowflake.WorkerBits & snowflake.MaxPartitionID)
	workerID = uint8(host & snowflake.MaxWorkerID)
	return
}

// parseHostMask returns the inverted CIDR mask, selecting the host bits.
func parseHostMask(workerCIDR string) (net.IPMask, error) {
	_, ipNet, err := net.ParseCIDR(workerCIDR)
	if err != nil {
		return nil, fmt.Errorf("%s - issue parsing CIDR: %v: %w", workerCIDR, err, ErrBadWorkerCIDR)
	}
	if len(ipNet.Mask) != net.IPv4len {
		return nil, fmt.Errorf("%s - not an IPv4 network: %w", workerCIDR, ErrBadWorkerCIDR)
	}

	mask := make(net.IPMask, net.IPv4len)
	for i := range mask {
		mask[i] = ^ipNet.Mask[i]
	}
	if n := bits.Len32(binary.BigEndian.Uint32(mask)); n > topologyBits {
		return nil, fmt.Errorf("%s - %d host bits, at most %d are usable: %w", workerCIDR, n, topologyBits, ErrMaskRange)
	}
	return mask, nil
}

func parsePrivateIP(podIP string) (net.IP, error) {
	ip := net.ParseIP(podIP).To4()
	if ip == nil {
		return nil, fmt.Errorf("%s - issue parsing IPv4 address: %w", podIP, ErrBadPodIP)
	}
	if !ip.IsPrivate() {
		return nil, fmt.Errorf("%s - is not a private ip: %w", podIP, ErrBadPodIP)
	}
	return ip, nil
}
