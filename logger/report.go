package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const (
	StageIngest    = "ingest"
	StagePublish   = "publish"
	StageAggregate = "aggregate"
)

type channelStat struct {
	messages int64
	bytes    int64
}

type stageStat struct {
	warns  int64
	errors int64
}

var (
	framesRead     int64
	published      int64
	candlesEmitted int64
	stages         = map[string]*stageStat{
		StageIngest:    {},
		StagePublish:   {},
		StageAggregate: {},
	}
	channels sync.Map // map[string]*channelStat
)

// stageOf maps a log component to the pipeline stage it belongs to.
func stageOf(component string) string {
	switch {
	case strings.Contains(component, "reader"), strings.Contains(component, "collector"), strings.Contains(component, "session"):
		return StageIngest
	case strings.Contains(component, "publisher"), strings.Contains(component, "router"):
		return StagePublish
	case strings.Contains(component, "aggregator"), strings.Contains(component, "sink"), strings.Contains(component, "consumer"):
		return StageAggregate
	}
	return ""
}

func recordWarn(component string) {
	if s, ok := stages[stageOf(component)]; ok {
		atomic.AddInt64(&s.warns, 1)
	}
}

func recordError(component string) {
	if s, ok := stages[stageOf(component)]; ok {
		atomic.AddInt64(&s.errors, 1)
	}
}

func IncrementFramesRead(size int) {
	atomic.AddInt64(&framesRead, 1)
	recordChannel("ws_frames", size)
}

func IncrementPublished(topic string, size int) {
	atomic.AddInt64(&published, 1)
	recordChannel("kafka_"+topic, size)
}

func IncrementCandles(sink string) {
	atomic.AddInt64(&candlesEmitted, 1)
	recordChannel("candles_"+sink, 0)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func pipelineFields() Fields {
	fields := Fields{
		"frames_read":     atomic.LoadInt64(&framesRead),
		"published":       atomic.LoadInt64(&published),
		"candles_emitted": atomic.LoadInt64(&candlesEmitted),
		"goroutines":      runtime.NumGoroutine(),
	}
	for name, s := range stages {
		fields["warns_"+name] = atomic.LoadInt64(&s.warns)
		fields["errors_"+name] = atomic.LoadInt64(&s.errors)
	}

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})
	fields["channels"] = channelData
	return fields
}

func logReport(ctx context.Context, log *Log) {
	fields := pipelineFields()

	cpuPct := 0.0
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := 0.0
	if memStats, err := mem.VirtualMemory(); err == nil {
		memMB = float64(memStats.Used) / 1024 / 1024
	}
	diskMB := 0.0
	if diskStats, err := disk.Usage("/"); err == nil {
		diskMB = float64(diskStats.Used) / 1024 / 1024
	}
	var bytesSent, bytesRecv uint64
	if netStats, err := gnet.IOCounters(false); err == nil && len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields["cpu_percent"] = cpuPct
	fields["memory_mb"] = int64(memMB)
	fields["disk_mb"] = int64(diskMB)
	fields["net_bytes_sent"] = int64(bytesSent)
	fields["net_bytes_recv"] = int64(bytesRecv)

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	count := func(name string, key string) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(fields[key].(int64))),
		}
	}
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(diskMB)},
		{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
		count("FramesRead", "frames_read"),
		count("Published", "published"),
		count("CandlesEmitted", "candles_emitted"),
	}
	for name := range stages {
		data = append(data,
			count("Warns-"+name, "warns_"+name),
			count("Errors-"+name, "errors_"+name),
		)
	}

	publishMetrics(ctx, data)
}
