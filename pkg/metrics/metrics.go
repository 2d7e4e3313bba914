// Package metrics projects decoded register values onto Prometheus
// gauges and counters, one series set per monitored connection.
//
// Metric names follow a fixed convention: finitude_<table>_<item> for
// fields belonging to a named table, finitude_<item> for the
// thermostat's own (untabled) fields. A handful of suffixes get special
// treatment (Times7/Times16 scale a raw sensor reading down, RPM/CFM
// are lowered into the metric name) mirroring how the underlying
// registers encode scaled and named quantities.
package metrics

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dulitz/finitude/pkg/registry"
)

// TableNameMap collapses related register names onto one metric table
// prefix. Registers not listed here use their own name as the prefix,
// except TStatCurrentParams/TStatZoneParams which publish untabled
// (empty prefix) since they describe the thermostat itself.
var TableNameMap = map[string]string{
	"AirHandler06":        "airhandler",
	"AirHandler16":        "airhandler",
	"TStatCurrentParams":  "",
	"TStatZoneParams":     "",
	"TStatVacationParams": "vacation",
	"HeatPump01":          "heatpump",
	"HeatPump02":          "heatpump",
}

// TableName resolves a decoded register's base name (its name without
// the parenthesized hex id) to the metric table prefix it publishes
// under.
func TableName(basename string) string {
	if t, ok := TableNameMap[basename]; ok {
		return t
	}
	return basename
}

var zoneFieldRE = regexp.MustCompile(`^Zone([1-8])(.*)$`)

var hvacStateNames = []string{"off", "heat", "cool"}

// ZoneNameCache remembers the most recently observed name for each of
// the system's zones, learned from TStatZoneParams' Name fields, so
// that zone-scoped gauges can carry a human-readable "zonename" label.
type ZoneNameCache struct {
	mu    sync.Mutex
	names [registry.NumZones]string
}

// NewZoneNameCache returns a cache with all zone names empty.
func NewZoneNameCache() *ZoneNameCache {
	return &ZoneNameCache{}
}

// Update records name for zone (1-8) and reports whether it changed.
func (z *ZoneNameCache) Update(zone int, name string) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.names[zone-1] == name {
		return false
	}
	z.names[zone-1] = name
	return true
}

// Get returns the trimmed name currently cached for zone, or "" if
// none has been observed yet.
func (z *ZoneNameCache) Get(zone int) string {
	z.mu.Lock()
	defer z.mu.Unlock()
	return strings.Trim(z.names[zone-1], " \x00")
}

// Registry publishes finitude's runtime metrics to a Prometheus
// registry: per-connection counters and gauges declared up front, plus
// a lazily-populated cache of per-register GaugeVecs created the first
// time a given register/field combination is observed.
type Registry struct {
	reg *prometheus.Registry

	frameCount     *prometheus.CounterVec
	isSync         *prometheus.GaugeVec
	desyncCount    *prometheus.CounterVec
	reconnectCount *prometheus.CounterVec
	storedFrames   *prometheus.GaugeVec
	frameSeqLen    *prometheus.GaugeVec
	deviceInfo     *prometheus.GaugeVec
	hvacState      *prometheus.GaugeVec
	logger         *log.Logger

	mu     sync.Mutex
	gauges map[string]*prometheus.GaugeVec
}

// New wraps reg (a fresh prometheus.NewRegistry(), typically), declaring
// finitude's fixed metric set. logger receives the same diagnostic
// messages the original per-zone-name-change and no-zonename notices
// would produce; pass a discard logger to suppress them.
func New(reg *prometheus.Registry, logger *log.Logger) *Registry {
	r := &Registry{
		reg:    reg,
		logger: logger,
		gauges: make(map[string]*prometheus.GaugeVec),
		frameCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finitude_frames", Help: "number of frames received",
		}, []string{"name"}),
		isSync: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finitude_synchronized", Help: "1 if reader is synchronized to bus",
		}, []string{"name"}),
		desyncCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finitude_desyncs", Help: "number of desynchronizations",
		}, []string{"name"}),
		reconnectCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finitude_reconnects", Help: "number of stream reconnects",
		}, []string{"name"}),
		storedFrames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finitude_stored_frames", Help: "number of frames stored",
		}, []string{"name"}),
		frameSeqLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finitude_frame_sequence_length", Help: "length of change sequence",
		}, []string{"name"}),
		deviceInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finitude_device_info", Help: "info table from each device on the bus",
		}, []string{"name", "device", "module", "firmware", "model", "serial"}),
		hvacState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finitude_state_enum", Help: "state of HVAC system",
		}, []string{"name", "state"}),
	}
	r.reg.MustRegister(
		r.frameCount, r.isSync, r.desyncCount, r.reconnectCount,
		r.storedFrames, r.frameSeqLen, r.deviceInfo, r.hvacState,
	)
	return r
}

// IncFrames increments the received-frame counter for name.
func (r *Registry) IncFrames(name string) {
	r.frameCount.WithLabelValues(name).Inc()
}

// SetSynchronized reports whether name's reader is currently
// synchronized to its bus.
func (r *Registry) SetSynchronized(name string, synced bool) {
	v := 0.0
	if synced {
		v = 1.0
	}
	r.isSync.WithLabelValues(name).Set(v)
}

// IncDesyncs increments the desynchronization counter for name.
func (r *Registry) IncDesyncs(name string) {
	r.desyncCount.WithLabelValues(name).Inc()
}

// IncReconnects increments the stream-reconnect counter for name.
func (r *Registry) IncReconnects(name string) {
	r.reconnectCount.WithLabelValues(name).Inc()
}

// SetStoredFrameCount publishes the current size of name's change-log
// dedup table.
func (r *Registry) SetStoredFrameCount(name string, n int) {
	r.storedFrames.WithLabelValues(name).Set(float64(n))
}

// SetChangeSequenceLength publishes the current length of name's
// change-log sequence.
func (r *Registry) SetChangeSequenceLength(name string, n int) {
	r.frameSeqLen.WithLabelValues(name).Set(float64(n))
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	g.Write(&m)
	return m.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	c.Write(&m)
	return m.GetCounter().GetValue()
}

// FrameCount returns the current received-frame count for name.
func (r *Registry) FrameCount(name string) float64 {
	return counterValue(r.frameCount.WithLabelValues(name))
}

// IsSynchronized returns 1 if name's reader is currently synchronized,
// 0 otherwise.
func (r *Registry) IsSynchronized(name string) float64 {
	return gaugeValue(r.isSync.WithLabelValues(name))
}

// DesyncCount returns the current desynchronization count for name.
func (r *Registry) DesyncCount(name string) float64 {
	return counterValue(r.desyncCount.WithLabelValues(name))
}

// GaugeValue returns the current value of the lazily-created gauge
// named gaugeName for the given label values, and whether that gauge
// has been created yet.
func (r *Registry) GaugeValue(gaugeName string, labelValues ...string) (float64, bool) {
	r.mu.Lock()
	g, ok := r.gauges[gaugeName]
	r.mu.Unlock()
	if !ok {
		return 0, false
	}
	return gaugeValue(g.WithLabelValues(labelValues...)), true
}

// SetDeviceInfo publishes a DeviceInfo register's contents as a
// constant-1 info-style gauge, the client_golang idiom for a metric
// whose value never changes and whose point is its label set.
func (r *Registry) SetDeviceInfo(name, device string, values *registry.Values) {
	get := func(k string) string {
		v, _ := values.Get(k)
		if s, ok := v.(string); ok {
			return s
		}
		return ""
	}
	r.deviceInfo.WithLabelValues(name, device, get("Module"), get("Firmware"), get("Model"), get("Serial")).Set(1)
}

func (r *Registry) getOrCreateGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	r.reg.MustRegister(g)
	r.gauges[name] = g
	return g
}

func (r *Registry) setHvacState(name, state string) {
	for _, s := range hvacStateNames {
		v := 0.0
		if s == state {
			v = 1.0
		}
		r.hvacState.WithLabelValues(name, s).Set(v)
	}
}

func fieldFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case uint8:
		return float64(x), true
	case int8:
		return float64(x), true
	case uint16:
		return float64(x), true
	default:
		return 0, false
	}
}

// PublishField projects one decoded field (itemname, v) from a register
// belonging to tablename (empty for the thermostat's own fields) into
// this registry's metrics for connection name. zc supplies zone-name
// labels for per-zone gauges; string-valued fields named "...Name" on
// untabled registers update it instead of publishing a gauge.
func (r *Registry) PublishField(name, tablename, itemname string, v interface{}, zc *ZoneNameCache) {
	zm := zoneFieldRE.FindStringSubmatch(itemname)
	var zone int
	var zoneSuffix string
	if zm != nil {
		zone, _ = strconv.Atoi(zm[1])
		zoneSuffix = zm[2]
	}

	if s, ok := v.(string); ok {
		if zone != 0 && zoneSuffix == "Name" && tablename == "" {
			if zc.Update(zone, s) && r.logger != nil {
				r.logger.Printf("%s zone %d has name %s", name, zone, s)
			}
		}
		return
	}

	fval, ok := fieldFloat(v)
	if !ok {
		return
	}

	divisor := 1.0
	workingName := itemname
	switch {
	case strings.HasSuffix(workingName, "Times7"):
		workingName = strings.TrimSuffix(workingName, "Times7")
		divisor = 7
	case strings.HasSuffix(workingName, "Times16"):
		workingName = strings.TrimSuffix(workingName, "Times16")
		divisor = 16
	}
	for _, word := range []string{"RPM", "CFM"} {
		if idx := strings.Index(workingName, word); idx >= 0 {
			pre := workingName[:idx]
			post := workingName[idx+len(word):]
			sep1, sep2 := "", ""
			if pre != "" {
				sep1 = "_"
			}
			if post != "" {
				sep2 = "_"
			}
			workingName = pre + sep1 + strings.ToLower(word) + sep2 + post
			break
		}
	}

	var nonzone string
	if zm != nil {
		nonzone = zoneSuffix
	} else {
		nonzone = workingName
	}

	var gaugeName string
	if tablename != "" {
		gaugeName = fmt.Sprintf("finitude_%s_%s", tablename, strings.ToLower(nonzone))
	} else {
		gaugeName = fmt.Sprintf("finitude_%s", nonzone)
	}

	if workingName == "Mode" && tablename == "" {
		iv := uint8(fval)
		mode := registry.HvacMode(iv & 0x1f)
		modeGauge := r.getOrCreateGaugeVec("finitude_mode", "current operating mode", []string{"name", "state"})
		modeGauge.WithLabelValues(name, mode.String()).Set(float64(iv & 0x1f))

		stage := iv >> 5
		stageGauge := r.getOrCreateGaugeVec("finitude_stage", "current operating stage", []string{"name"})
		stageGauge.WithLabelValues(name).Set(float64(stage))

		// Signed so that cooling reads negative and heating positive;
		// AUTO mode while cooling is indistinguishable from AUTO while
		// heating by this byte alone, so the sign is best-effort here.
		state := float64(stage)
		if mode == registry.ModeCool {
			state = -state
		}
		stateGauge := r.getOrCreateGaugeVec("finitude_state", "current operating state", []string{"name"})
		stateGauge.WithLabelValues(name).Set(state)

		label := "heat"
		switch {
		case state == 0:
			label = "off"
		case state < 0:
			label = "cool"
		}
		r.setHvacState(name, label)
		return
	}

	if zone != 0 {
		zname := zc.Get(zone)
		if zname == "" {
			if r.logger != nil {
				r.logger.Printf("ignoring %s in zone %d: no zonename yet", gaugeName, zone)
			}
			return
		}
		gauge := r.getOrCreateGaugeVec(gaugeName, "", []string{"name", "zone", "zonename"})
		gauge.WithLabelValues(name, strconv.Itoa(zone), zname).Set(fval / divisor)
		return
	}
	gauge := r.getOrCreateGaugeVec(gaugeName, "", []string{"name"})
	gauge.WithLabelValues(name).Set(fval / divisor)
}
