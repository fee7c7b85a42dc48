package model

// ProtocolStat is the flat accumulation record for one protocol label.
// Parent is fixed by the first event that creates the node.
type ProtocolStat struct {
	Name       string `json:"name"`
	Packets    uint64 `json:"packets"`
	DataVolume uint64 `json:"dataVolume"`
	Parent     string `json:"parent,omitempty"`
}

// ProtocolNode is one node of the rendered protocol hierarchy forest.
type ProtocolNode struct {
	Name       string          `json:"name"`
	Packets    uint64          `json:"packets"`
	DataVolume uint64          `json:"dataVolume"`
	Children   []*ProtocolNode `json:"children"`
}

// Conversation is a normalized client->server flow entry. Direction is
// fixed so both physical directions of a flow map to the same entry.
type Conversation struct {
	ClientIP   string `json:"srcIP"`
	ClientPort int    `json:"srcPort"`
	ServerIP   string `json:"dstIP"`
	ServerPort int    `json:"dstPort"`
	Protocol   string `json:"protocol"`
	Packets    uint64 `json:"packets"`
	Bytes      uint64 `json:"bytes"`
}

// TimeSeriesPoint is one (window, protocol) bucket of the charted series.
type TimeSeriesPoint struct {
	Time        float64 `json:"time"`
	Protocol    string  `json:"protocol"`
	DataVolume  uint64  `json:"dataVolume"`
	PacketCount uint64  `json:"packetCount"`
}

// TrafficStatistics summarizes one aggregator window. Totals are summed
// over top-level hierarchy nodes only, so nested protocols are not
// double counted.
type TrafficStatistics struct {
	TotalPackets      uint64  `json:"totalPackets"`
	TotalBytes        uint64  `json:"totalBytes"`
	AvgPacketSize     float64 `json:"avgPacketSize"`
	Duration          float64 `json:"duration"`
	PacketsPerSecond  float64 `json:"packetsPerSecond"`
	BytesPerSecond    float64 `json:"bytesPerSecond"`
	BitsPerSecond     float64 `json:"bitsPerSecond"`
	DistinctProtocols int     `json:"distinctProtocols"`
	StartTime         float64 `json:"startTime,omitempty"`
	EndTime           float64 `json:"endTime,omitempty"`
}

// TrafficView is the client-facing DPI snapshot for one session: the
// protocol hierarchy, normalized conversations, charted time series, and
// summary statistics.
type TrafficView struct {
	Hierarchy     []*ProtocolNode    `json:"hierarchy"`
	Conversations []*Conversation    `json:"conversations"`
	TimeSeries    []TimeSeriesPoint  `json:"timeSeries"`
	Statistics    *TrafficStatistics `json:"statistics"`
	PacketSizes   []int              `json:"packetSizes,omitempty"`
}

// DPIState carries a capture session's cumulative aggregation state
// across successive polls. Online polls merge into it; offline polls
// recompute from the full file and overwrite it.
type DPIState struct {
	LastProcessedLine int
	Protocols         map[string]*ProtocolStat
	Conversations     map[string]*Conversation
	PacketSizes       []int
	Statistics        *TrafficStatistics
}
