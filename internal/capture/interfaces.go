package capture

import (
	"fmt"

	"github.com/google/gopacket/pcap"
)

// NetworkInterface describes one local capture device.
type NetworkInterface struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Addresses   []string `json:"addresses,omitempty"`
}

// ListInterfaces enumerates the capture devices visible to libpcap.
func ListInterfaces() ([]NetworkInterface, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate network interfaces: %w", err)
	}
	out := make([]NetworkInterface, 0, len(devs))
	for _, d := range devs {
		ni := NetworkInterface{Name: d.Name, Description: d.Description}
		for _, addr := range d.Addresses {
			if addr.IP != nil {
				ni.Addresses = append(ni.Addresses, addr.IP.String())
			}
		}
		out = append(out, ni)
	}
	return out, nil
}
