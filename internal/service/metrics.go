package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// uploadsTotal 按结果统计上传次数
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decendata_uploads_total",
			Help: "Total number of upload attempts by result",
		},
		[]string{"result"},
	)

	// uploadBytes 记录成功上传的明文大小
	uploadBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "decendata_upload_size_bytes",
		Help:    "Size of successfully uploaded payloads",
		Buckets: prometheus.ExponentialBuckets(1024, 8, 8),
	})

	// downloadsTotal 按结果统计下载次数
	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decendata_downloads_total",
			Help: "Total number of download attempts by result",
		},
		[]string{"result"},
	)

	// blobErrorsTotal 按操作统计内容存储错误
	blobErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decendata_blob_errors_total",
			Help: "Blob store failures by operation",
		},
		[]string{"op"},
	)

	// shareTransitionsTotal 按目标状态统计邀请状态迁移
	shareTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decendata_share_transitions_total",
			Help: "Share state transitions by resulting state",
		},
		[]string{"to"},
	)

	// reconcileActionsTotal 统计对账发现与处理的条目
	reconcileActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decendata_reconcile_actions_total",
			Help: "Reconciliation findings by kind",
		},
		[]string{"kind"},
	)
)
