package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobsEnqueued 按类型统计入队任务数
	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)

	// jobsCompleted 按类型统计成功完成的任务数
	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
		[]string{"type"},
	)

	// jobsFailed 按类型统计耗尽重试后失败的任务数
	jobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Total number of jobs failed after exhausting retries",
		},
		[]string{"type"},
	)

	// activeHandlers 当前正在执行的处理器数量
	activeHandlers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_active_handlers",
			Help: "Number of handlers currently executing",
		},
		[]string{"type"},
	)
)
