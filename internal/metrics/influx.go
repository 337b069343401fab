package metrics

import (
	"sort"
	"strconv"
	"sync"
	"time"

	lineprotocol "github.com/influxdata/line-protocol/v2/lineprotocol"
	"go.uber.org/zap"
)

// Recorder encodes task lifecycle measurements as InfluxDB line protocol
// and emits each line through the logger. There is no scrape surface; the
// lines are for offline ingestion from the log stream.
type Recorder struct {
	mu  sync.Mutex
	enc *lineprotocol.Encoder
	log *zap.SugaredLogger
}

// NewRecorder creates a Recorder.
func NewRecorder(log *zap.SugaredLogger) *Recorder {
	enc := &lineprotocol.Encoder{}
	enc.SetPrecision(lineprotocol.Millisecond)
	enc.SetLax(true)
	return &Recorder{enc: enc, log: log}
}

// TaskTransition records one task state change.
func (r *Recorder) TaskTransition(taskID, status string, percentage, totalImages, gpuCount int) {
	r.emit("remgo_task", map[string]string{
		"task_id": taskID,
		"status":  status,
	}, map[string]any{
		"percentage":   int64(percentage),
		"total_images": int64(totalImages),
		"gpu_count":    int64(gpuCount),
	})
}

// SubTaskDone records the terminal state of one sub-task.
func (r *Recorder) SubTaskDone(subID string, device int, images int, failed bool, elapsed time.Duration) {
	r.emit("remgo_subtask", map[string]string{
		"sub_id": subID,
		"device": strconv.Itoa(device),
	}, map[string]any{
		"images":     int64(images),
		"failed":     failed,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}

func (r *Recorder) emit(measurement string, tags map[string]string, fields map[string]any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.enc.StartLine(measurement)
	for _, k := range sortedKeys(tags) {
		r.enc.AddTag(k, tags[k])
	}
	for _, k := range sortedKeys(fields) {
		val, ok := lineprotocol.NewValue(fields[k])
		if !ok {
			r.log.Errorw("metrics encoder failed to parse value", "key", k, "value", fields[k])
			continue
		}
		r.enc.AddField(k, val)
	}
	r.enc.EndLine(time.Now())

	if err := r.enc.Err(); err != nil {
		r.log.Debugw("metrics line dropped", "err", err)
	} else {
		r.log.Infow("metrics", "line", string(r.enc.Bytes()))
	}
	r.enc.Reset()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
