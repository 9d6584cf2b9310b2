package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EntriesWritten - записи журнала по типу
var EntriesWritten = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "killswitch",
		Subsystem: "audit",
		Name:      "entries_total",
		Help:      "Audit entries written by type",
	},
	[]string{"type"},
)

// Rotations - ротации файла журнала
var Rotations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "killswitch",
		Subsystem: "audit",
		Name:      "rotations_total",
		Help:      "Audit file rotations by cause",
	},
	[]string{"cause"}, // day, size
)

// MaintenanceFiles - файлы, обработанные обслуживанием
var MaintenanceFiles = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "killswitch",
		Subsystem: "audit",
		Name:      "maintenance_files_total",
		Help:      "Audit files compressed or deleted by maintenance",
	},
	[]string{"action"}, // compressed, deleted
)

// MirrorEntries - доставка в зеркала
var MirrorEntries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "killswitch",
		Subsystem: "audit_mirror",
		Name:      "entries_total",
		Help:      "Audit mirror deliveries by result",
	},
	[]string{"sink", "result"}, // delivered, failed, dropped
)

// MirrorQueueDepth - текущая длина очереди зеркала
var MirrorQueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "killswitch",
		Subsystem: "audit_mirror",
		Name:      "queue_depth",
		Help:      "Entries waiting in the mirror queue",
	},
	[]string{"sink"},
)
