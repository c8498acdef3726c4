package metrics

// Alias sets for SRT quality fields. Different transport plugin versions
// publish the same measurement under different names; lookups probe in
// order and the first numeric hit wins.
var (
	RTTAliases = []string{
		"rtt-ms",
		"msRTT",
		"rtt",
		"link-rtt",
	}

	PacketLossAliases = []string{
		"packets-received-lost",
		"packets-sent-lost",
		"pktRcvLoss",
		"pktSndLoss",
		"packet-loss",
		"loss",
	}

	RetransmissionAliases = []string{
		"packets-retransmitted",
		"packets-received-retransmitted",
		"pktRetrans",
		"pktRcvRetrans",
		"retransmissions",
	}
)

// RTT returns the round-trip time in milliseconds.
func RTT(stats map[string]float64) Value {
	return probe(stats, RTTAliases)
}

// PacketLoss returns the lost packet count.
func PacketLoss(stats map[string]float64) Value {
	return probe(stats, PacketLossAliases)
}

// Retransmissions returns the retransmitted packet count.
func Retransmissions(stats map[string]float64) Value {
	return probe(stats, RetransmissionAliases)
}

func probe(stats map[string]float64, aliases []string) Value {
	for _, name := range aliases {
		if v, ok := stats[name]; ok {
			if val := Available(v); val.IsAvailable() {
				return val
			}
		}
	}
	return Unavailable
}
