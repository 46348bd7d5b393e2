package fabric

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"etherweave.xyz/swfab/internal/eth"
	"etherweave.xyz/swfab/internal/log"
	"etherweave.xyz/swfab/internal/poll"
)

// logDepth bounds the pending record queue. Records that arrive while
// the queue is full are counted and summarized, never blocked on.
const logDepth = 64

// Record is one delivery or drop event. RecordLen is its fixed binary
// encoding size.
type Record struct {
	Time    time.Time
	Dst     eth.MACAddr
	Src     eth.MACAddr
	Type    uint16
	Vlan    eth.VlanTag
	Length  uint16
	SrcPort uint8
	Reason  Reason // ReasonKeep for deliveries
	DstMask PortMask
}

// RecordLen is the size of a binary-encoded Record.
const RecordLen = 24

// AppendTo encodes the record in its fixed wire layout.
func (r *Record) AppendTo(buf []byte) []byte {
	buf = append(buf, r.Dst[:]...)
	buf = append(buf, r.Src[:]...)
	buf = binary.BigEndian.AppendUint16(buf, r.Type)
	buf = binary.BigEndian.AppendUint16(buf, uint16(r.Vlan))
	buf = binary.BigEndian.AppendUint16(buf, r.Length)
	buf = append(buf, r.SrcPort, uint8(r.Reason))
	return binary.BigEndian.AppendUint32(buf, uint32(r.DstMask))
}

// Handler consumes delivery records. Handlers run on the scheduler, in
// registration order.
type Handler interface {
	HandleRecord(*Record)
}

// Log collects delivery and drop events from the fabric. Recording is
// cheap and bounded; handler work is deferred to a scheduler demand so
// the delivery path never waits on a slow sink.
type Log struct {
	sched    *poll.Scheduler
	handlers []Handler

	mu      sync.Mutex
	queue   [logDepth]Record
	rdidx   int
	count   int
	skipped uint32

	logger *logrus.Entry
}

// NewLog creates an event log attached to the scheduler.
func NewLog(sched *poll.Scheduler) *Log {
	return &Log{
		sched:  sched,
		logger: log.GetLogger("swlog"),
	}
}

// AddHandler appends a record sink.
func (l *Log) AddHandler(h Handler) {
	l.handlers = append(l.handlers, h)
}

// Keep records a successful delivery.
func (l *Log) Keep(f *eth.Frame, srcPort int, mask PortMask) {
	l.record(f, srcPort, ReasonKeep, mask)
}

// Drop records a discarded packet and why.
func (l *Log) Drop(f *eth.Frame, srcPort int, why Reason) {
	l.record(f, srcPort, why, 0)
}

func (l *Log) record(f *eth.Frame, srcPort int, why Reason, mask PortMask) {
	l.mu.Lock()
	if l.count >= logDepth {
		l.skipped++
		l.mu.Unlock()
		return
	}
	r := &l.queue[(l.rdidx+l.count)%logDepth]
	*r = Record{
		Time:    l.sched.Now(),
		Dst:     f.Eth.Dst,
		Src:     f.Eth.Src,
		Type:    uint16(f.Eth.Type),
		Vlan:    f.Eth.Tag,
		SrcPort: uint8(srcPort),
		Reason:  why,
		DstMask: mask,
	}
	l.count++
	l.mu.Unlock()
	l.sched.RequestPoll(l)
}

func (l *Log) pop() (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return Record{}, false
	}
	r := l.queue[l.rdidx]
	l.rdidx = (l.rdidx + 1) % logDepth
	l.count--
	return r, true
}

// PollDemand drains pending records to every handler and reports any
// records lost to backpressure since the last drain.
func (l *Log) PollDemand() {
	for r, ok := l.pop(); ok; r, ok = l.pop() {
		for _, h := range l.handlers {
			h.HandleRecord(&r)
		}
	}
	l.mu.Lock()
	skipped := l.skipped
	l.skipped = 0
	l.mu.Unlock()
	if skipped > 0 {
		l.logger.WithField("count", skipped).Warn("event log overflow, records skipped")
	}
}

// LogrusHandler writes each record to the application log: drops at
// info, routine deliveries at debug.
type LogrusHandler struct {
	logger *logrus.Entry
}

// NewLogrusHandler creates the default text sink.
func NewLogrusHandler() *LogrusHandler {
	return &LogrusHandler{logger: log.GetLogger("swlog")}
}

func (h *LogrusHandler) HandleRecord(r *Record) {
	entry := h.logger.WithFields(logrus.Fields{
		"src":     r.Src.String(),
		"dst":     r.Dst.String(),
		"etype":   r.Type,
		"vlan":    r.Vlan.VID(),
		"port":    r.SrcPort,
		"verdict": r.Reason.String(),
	})
	if r.Reason == ReasonKeep {
		entry.WithField("mask", uint32(r.DstMask)).Debug("delivered")
	} else {
		entry.Info("dropped")
	}
}

// KafkaHandler ships binary-encoded records to a Kafka topic. Writes
// are asynchronous so a slow broker cannot stall the scheduler.
type KafkaHandler struct {
	writer *kafka.Writer
}

// NewKafkaHandler creates a record shipper for the given brokers and
// topic.
func NewKafkaHandler(brokers []string, topic string) *KafkaHandler {
	return &KafkaHandler{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
			Async:    true,
		},
	}
}

func (h *KafkaHandler) HandleRecord(r *Record) {
	_ = h.writer.WriteMessages(context.Background(), kafka.Message{
		Time:  r.Time,
		Value: r.AppendTo(make([]byte, 0, RecordLen)),
	})
}

// Close flushes and closes the Kafka writer.
func (h *KafkaHandler) Close() error {
	return h.writer.Close()
}
