package libmapper

import "github.com/prometheus/client_golang/prometheus"

var GraphEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mapper",
	Subsystem: "graph",
	Name:      "events",
}, []string{"type", "event"})

var ReceivedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mapper",
	Subsystem: "graph",
	Name:      "received_records",
}, []string{"kind"})

var DroppedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mapper",
	Subsystem: "graph",
	Name:      "dropped_records",
}, []string{"kind", "reason"})

var InstanceOverflows = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mapper",
	Subsystem: "signal",
	Name:      "instance_overflows",
}, []string{"stealing"})

var DirectorySize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "mapper",
	Subsystem: "graph",
	Name:      "directory_size",
}, []string{"type"})

// Collectors lists every metric of the package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{GraphEvents, ReceivedRecords, DroppedRecords, InstanceOverflows, DirectorySize}
}
