package dpi

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"DPIHub/internal/model"
)

// The capture tool emits one CSV line per event. Every line of interest
// starts with report id 1000; the event name in column 4 selects the
// field layout.
const (
	reportPrefix = "1000,"

	eventIPv4 = "ipv4-event"
	eventIPv6 = "ipv6-event"
	eventTCP  = "tcp-event"
	eventUDP  = "udp-event"
	eventTLS  = "tls-event"
)

// fineWindow is the accumulation resolution for the time series. Render
// windows (0.1s and 5s) are whole multiples of it, so fine buckets
// aggregate without loss.
const fineWindow = 0.1

type endpointPair struct {
	src string
	dst string
}

type flowState struct {
	stack []string
}

type seriesCell struct {
	bytes   uint64
	packets uint64
}

// parseState is the cumulative aggregation for one capture session. Online
// polls feed it incrementally; offline polls extend it as the report file
// grows.
type parseState struct {
	lastLine  int
	processed map[string]bool
	// consumed tracks lines already taken from a sample file that was read
	// while the tool could still be appending to it.
	consumed map[string]int

	flows     map[string]*flowState
	ipByTS    map[string]endpointPair
	protocols map[string]*model.ProtocolStat
	convs     map[string]*model.Conversation
	series    map[int64]map[string]*seriesCell
	pktSizes  []int

	minTS   float64
	maxTS   float64
	hasData bool
}

func newParseState() *parseState {
	return &parseState{
		processed: make(map[string]bool),
		consumed:  make(map[string]int),
		flows:     make(map[string]*flowState),
		ipByTS:    make(map[string]endpointPair),
		protocols: make(map[string]*model.ProtocolStat),
		convs:     make(map[string]*model.Conversation),
		series:    make(map[int64]map[string]*seriesCell),
	}
}

// parseEvents folds a batch of report lines into the state. Lines that are
// not well-formed events are skipped, matching the tool's mixed output.
func (st *parseState) parseEvents(lines []string) {
	for _, line := range lines {
		if !strings.HasPrefix(line, reportPrefix) {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 5 {
			continue
		}
		ts, err := strconv.ParseFloat(parts[3], 64)
		if err != nil {
			continue
		}
		switch unquote(parts[4]) {
		case eventIPv4, eventIPv6:
			st.parseIPEvent(parts, ts)
		case eventTCP, eventUDP:
			st.parseTransportEvent(parts, ts)
		case eventTLS:
			st.parseTLSEvent(parts, ts)
		}
	}
}

func (st *parseState) parseIPEvent(parts []string, ts float64) {
	if len(parts) < 14 {
		return
	}
	sessionID := parts[5]
	volume, err := strconv.ParseUint(parts[11], 10, 64)
	if err != nil {
		return
	}
	ipVersion := "IPv4"
	if unquote(parts[4]) == eventIPv6 {
		ipVersion = "IPv6"
	}
	flow := st.flow(sessionID, ipVersion)
	// First endpoint pair per timestamp wins; later events at the same
	// microsecond belong to the transport lookup of the first.
	if _, ok := st.ipByTS[tsKey(ts)]; !ok {
		st.ipByTS[tsKey(ts)] = endpointPair{src: unquote(parts[12]), dst: unquote(parts[13])}
	}
	if volume > 0 {
		st.pktSizes = append(st.pktSizes, int(volume))
	}
	st.accumulate(flow, ts, volume)
}

func (st *parseState) parseTransportEvent(parts []string, ts float64) {
	if len(parts) < 17 {
		return
	}
	srcPort, err1 := strconv.Atoi(parts[5])
	dstPort, err2 := strconv.Atoi(parts[6])
	volume, err3 := strconv.ParseUint(parts[7], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}
	sessionID := parts[16]
	flow := st.flow(sessionID, "IPv4")

	l4 := "TCP"
	if unquote(parts[4]) == eventUDP {
		l4 = "UDP"
	}
	flow.push(l4)
	if app, ok := appProtocol(srcPort, dstPort); ok {
		flow.push(app)
	}
	if volume > 0 {
		st.pktSizes = append(st.pktSizes, int(volume))
	}
	st.accumulate(flow, ts, volume)
	// Conversations are always labelled with the transport protocol, even
	// when an application protocol sits on top of the stack.
	st.recordConversation(ts, srcPort, dstPort, l4, volume)
}

// A tls-event carries no payload length; it still charges one packet to
// every protocol on the session's stack. Sessions the transport events
// have not introduced yet are skipped.
func (st *parseState) parseTLSEvent(parts []string, ts float64) {
	if len(parts) < 9 {
		return
	}
	flow, ok := st.flows[parts[8]]
	if !ok {
		return
	}
	flow.push("TLS/SSL")
	st.accumulate(flow, ts, 0)
}

// flow returns the per-session protocol stack, seeding it on first sight.
func (st *parseState) flow(sessionID, ipVersion string) *flowState {
	f, ok := st.flows[sessionID]
	if !ok {
		f = &flowState{stack: []string{"ETHERNET", ipVersion}}
		st.flows[sessionID] = f
	}
	return f
}

func (f *flowState) push(name string) {
	for _, p := range f.stack {
		if p == name {
			return
		}
	}
	f.stack = append(f.stack, name)
}

// accumulate charges one event to every protocol in the flow's stack and
// to the fine-grained time series bucket of its full stack label.
func (st *parseState) accumulate(flow *flowState, ts float64, volume uint64) {
	for i, name := range flow.stack {
		stat, ok := st.protocols[name]
		if !ok {
			stat = &model.ProtocolStat{Name: name}
			if i > 0 {
				stat.Parent = flow.stack[i-1]
			}
			st.protocols[name] = stat
		}
		stat.Packets++
		stat.DataVolume += volume
	}

	label := strings.Join(flow.stack, "/")
	idx := int64(math.Floor(ts / fineWindow))
	bucket, ok := st.series[idx]
	if !ok {
		bucket = make(map[string]*seriesCell)
		st.series[idx] = bucket
	}
	cell, ok := bucket[label]
	if !ok {
		cell = &seriesCell{}
		bucket[label] = cell
	}
	cell.bytes += volume
	cell.packets++

	if !st.hasData || ts < st.minTS {
		st.minTS = ts
	}
	if !st.hasData || ts > st.maxTS {
		st.maxTS = ts
	}
	st.hasData = true
}

// recordConversation folds a transport event into its client->server flow
// entry, using the IP endpoints seen at the same event timestamp. The
// ephemeral side of the port pair is taken as the client; when the ports
// do not decide it, the packet's source is.
func (st *parseState) recordConversation(ts float64, srcPort, dstPort int, protocol string, volume uint64) {
	ips, ok := st.ipByTS[tsKey(ts)]
	if !ok {
		return
	}
	clientIP, clientPort := ips.src, srcPort
	serverIP, serverPort := ips.dst, dstPort
	if srcPort <= 1024 && dstPort > 1024 {
		clientIP, clientPort = ips.dst, dstPort
		serverIP, serverPort = ips.src, srcPort
	}

	key := fmt.Sprintf("%s:%d-%s:%d-%s", clientIP, clientPort, serverIP, serverPort, protocol)
	conv, ok := st.convs[key]
	if !ok {
		conv = &model.Conversation{
			ClientIP:   clientIP,
			ClientPort: clientPort,
			ServerIP:   serverIP,
			ServerPort: serverPort,
			Protocol:   protocol,
		}
		st.convs[key] = conv
	}
	conv.Packets++
	conv.Bytes += volume
}

// view renders the client-facing snapshot from the cumulative state. For
// online sessions the series is re-anchored so its last bucket lands on
// now, giving a live recency chart.
func (st *parseState) view(mode model.Mode, now time.Time) *model.TrafficView {
	v := &model.TrafficView{
		Hierarchy:     st.hierarchy(),
		Conversations: st.conversations(),
		TimeSeries:    st.timeSeries(mode, now),
		Statistics:    st.statistics(),
		PacketSizes:   st.pktSizes,
	}
	return v
}

func (st *parseState) hierarchy() []*model.ProtocolNode {
	nodes := make(map[string]*model.ProtocolNode, len(st.protocols))
	for name, stat := range st.protocols {
		nodes[name] = &model.ProtocolNode{
			Name:       name,
			Packets:    stat.Packets,
			DataVolume: stat.DataVolume,
		}
	}
	var roots []*model.ProtocolNode
	for name, stat := range st.protocols {
		if stat.Parent == "" {
			roots = append(roots, nodes[name])
			continue
		}
		if parent, ok := nodes[stat.Parent]; ok {
			parent.Children = append(parent.Children, nodes[name])
		} else {
			roots = append(roots, nodes[name])
		}
	}
	sortNodes(roots)
	return roots
}

func sortNodes(nodes []*model.ProtocolNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}

func (st *parseState) conversations() []*model.Conversation {
	out := make([]*model.Conversation, 0, len(st.convs))
	for _, c := range st.convs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		return out[i].ClientIP < out[j].ClientIP
	})
	return out
}

func (st *parseState) statistics() *model.TrafficStatistics {
	stats := &model.TrafficStatistics{
		DistinctProtocols: len(st.protocols),
	}
	if !st.hasData {
		return stats
	}
	// Totals come from the top-level nodes only, so a packet counted for
	// ETHERNET is not counted again for its nested protocols.
	for _, stat := range st.protocols {
		if stat.Parent == "" {
			stats.TotalPackets += stat.Packets
			stats.TotalBytes += stat.DataVolume
		}
	}
	stats.Duration = st.maxTS - st.minTS
	stats.StartTime = st.minTS
	stats.EndTime = st.maxTS
	if stats.TotalPackets > 0 {
		stats.AvgPacketSize = float64(stats.TotalBytes) / float64(stats.TotalPackets)
	}
	divisor := math.Max(stats.Duration, 1)
	stats.PacketsPerSecond = float64(stats.TotalPackets) / divisor
	stats.BytesPerSecond = float64(stats.TotalBytes) / divisor
	stats.BitsPerSecond = stats.BytesPerSecond * 8
	return stats
}

// renderWindow picks the chart resolution: fine buckets for short spans,
// 5-second buckets otherwise.
func renderWindow(span float64) float64 {
	if span < 2 {
		return fineWindow
	}
	return 5.0
}

func (st *parseState) timeSeries(mode model.Mode, now time.Time) []model.TimeSeriesPoint {
	if !st.hasData {
		return nil
	}
	window := renderWindow(st.maxTS - st.minTS)
	scale := int64(math.Round(window / fineWindow))

	merged := make(map[int64]map[string]*seriesCell)
	labels := make(map[string]bool)
	var minIdx, maxIdx int64
	first := true
	for fineIdx, bucket := range st.series {
		idx := fineIdx / scale
		if fineIdx < 0 && fineIdx%scale != 0 {
			idx--
		}
		if first || idx < minIdx {
			minIdx = idx
		}
		if first || idx > maxIdx {
			maxIdx = idx
		}
		first = false
		cells, ok := merged[idx]
		if !ok {
			cells = make(map[string]*seriesCell)
			merged[idx] = cells
		}
		for label, c := range bucket {
			labels[label] = true
			mc, ok := cells[label]
			if !ok {
				mc = &seriesCell{}
				cells[label] = mc
			}
			mc.bytes += c.bytes
			mc.packets += c.packets
		}
	}

	// Online charts are re-anchored so that the newest bucket is "now".
	shift := 0.0
	nowSec := float64(now.UnixNano()) / float64(time.Second.Nanoseconds())
	if mode == model.ModeOnline {
		shift = nowSec - float64(maxIdx)*window
	}

	var points []model.TimeSeriesPoint
	for idx := minIdx; idx <= maxIdx; idx++ {
		t := float64(idx)*window + shift
		if mode == model.ModeOnline && t > nowSec {
			t = nowSec
		}
		cells := merged[idx]
		// Every known protocol gets a point in every window, so gaps
		// chart as zero instead of vanishing.
		for label := range labels {
			p := model.TimeSeriesPoint{Time: t, Protocol: label}
			if c, ok := cells[label]; ok {
				p.DataVolume = c.bytes
				p.PacketCount = c.packets
			}
			points = append(points, p)
		}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].Time != points[j].Time {
			return points[i].Time < points[j].Time
		}
		return points[i].Protocol < points[j].Protocol
	})
	return points
}

// dpiState exports the cumulative state onto the session record.
func (st *parseState) dpiState(stats *model.TrafficStatistics) *model.DPIState {
	return &model.DPIState{
		LastProcessedLine: st.lastLine,
		Protocols:         st.protocols,
		Conversations:     st.convs,
		PacketSizes:       st.pktSizes,
		Statistics:        stats,
	}
}

func tsKey(ts float64) string {
	return strconv.FormatFloat(ts, 'f', 6, 64)
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}
