package waveform

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts the traffic between a Batcher and its device.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ChunksUploaded prometheus.Counter
	PulsesUploaded prometheus.Counter
	WavesFreed     prometheus.Counter
	QueuedChunks   prometheus.Gauge
	Faults         prometheus.Counter
}

// NewMetrics creates the waveform metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ChunksUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drawpi",
			Subsystem: "waveform",
			Name:      "chunks_uploaded_total",
			Help:      "waves created and sent to the pulse device"}),
		PulsesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drawpi",
			Subsystem: "waveform",
			Name:      "pulses_uploaded_total",
			Help:      "pulse events uploaded to the pulse device"}),
		WavesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drawpi",
			Subsystem: "waveform",
			Name:      "waves_freed_total",
			Help:      "finished waves deleted from the pulse device"}),
		QueuedChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drawpi",
			Subsystem: "waveform",
			Name:      "queued_chunks",
			Help:      "sealed chunks waiting for device memory"}),
		Faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drawpi",
			Subsystem: "waveform",
			Name:      "faults_total",
			Help:      "hardware faults raised by the pulse device"}),
	}
	for _, c := range []prometheus.Collector{m.ChunksUploaded, m.PulsesUploaded, m.WavesFreed, m.QueuedChunks, m.Faults} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) uploaded(pulses int) {
	if m == nil {
		return
	}
	m.ChunksUploaded.Inc()
	m.PulsesUploaded.Add(float64(pulses))
}

func (m *Metrics) freed() {
	if m == nil {
		return
	}
	m.WavesFreed.Inc()
}

func (m *Metrics) setQueued(n int) {
	if m == nil {
		return
	}
	m.QueuedChunks.Set(float64(n))
}

func (m *Metrics) fault() {
	if m == nil {
		return
	}
	m.Faults.Inc()
}
