package metrics

import (
	"github.com/djlord-it/carecal/internal/circuitbreaker"
	"github.com/djlord-it/carecal/internal/dispatcher"
	"github.com/djlord-it/carecal/internal/leaderelection"
	"github.com/djlord-it/carecal/internal/reconciler"
	"github.com/djlord-it/carecal/internal/transport/channel"
)

// Sink must satisfy every component's metrics interface.
var (
	_ dispatcher.MetricsSink     = (Sink)(nil)
	_ channel.MetricsSink        = (Sink)(nil)
	_ reconciler.MetricsSink     = (Sink)(nil)
	_ circuitbreaker.MetricsSink = (Sink)(nil)
	_ leaderelection.MetricsSink = (Sink)(nil)
)
