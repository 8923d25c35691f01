package operation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationCounterVec = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inscribe_operation_total",
			Help: "A count of finished device operations.",
		},
		[]string{"kind", "outcome"},
	)

	operationBytesVec = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inscribe_operation_bytes",
			Help: "Bytes written by successful device operations.",
		},
		[]string{"kind"},
	)
)
