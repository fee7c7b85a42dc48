package main

import (
	"DPIHub/internal/dpi"
	"DPIHub/internal/model"
	"fmt"
	"log"
	"os"
	"strings"
)

func main() {
	// 1. Get report file path from command-line arguments
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/dpihub-analyze/main.go <path_to_report_csv>")
		os.Exit(1)
	}
	reportPath := os.Args[1]

	// 2. Parse the report standalone, outside any session
	view, err := dpi.AnalyzeFile(reportPath)
	if err != nil {
		log.Fatalf("Failed to analyze report: %v", err)
	}

	// 3. Print the protocol hierarchy
	fmt.Println("Protocol Hierarchy:")
	for _, root := range view.Hierarchy {
		printNode(root, 0)
	}

	// 4. Print overall statistics
	st := view.Statistics
	fmt.Println("\nStatistics:")
	fmt.Printf("  Packets:            %d\n", st.TotalPackets)
	fmt.Printf("  Bytes:              %d\n", st.TotalBytes)
	fmt.Printf("  Avg packet size:    %.1f B\n", st.AvgPacketSize)
	fmt.Printf("  Duration:           %.3f s\n", st.Duration)
	fmt.Printf("  Packets per second: %.2f\n", st.PacketsPerSecond)
	fmt.Printf("  Bits per second:    %.2f\n", st.BitsPerSecond)
	fmt.Printf("  Distinct protocols: %d\n", st.DistinctProtocols)

	// 5. Print the conversation table, busiest first
	fmt.Println("\nConversations:")
	for _, c := range view.Conversations {
		fmt.Printf("  %s:%d -> %s:%d  %-8s %8d pkts %12d bytes\n",
			c.ClientIP, c.ClientPort, c.ServerIP, c.ServerPort, c.Protocol, c.Packets, c.Bytes)
	}
}

func printNode(n *model.ProtocolNode, depth int) {
	fmt.Printf("  %s%-20s %8d pkts %12d bytes\n", strings.Repeat("  ", depth), n.Name, n.Packets, n.DataVolume)
	for _, child := range n.Children {
		printNode(child, depth+1)
	}
}
