package strata

import (
	"context"
	"io"
	"time"

	"github.com/grafana/dskit/instrument"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
)

// RPCInstrumentation returns gRPC dial options that time every unary and
// streaming RPC of the connection. Pass them when dialing the connection a
// Service implementation sits on, so transport latency lands next to the
// client's per-operation metrics.
func RPCInstrumentation(reg prometheus.Registerer) []grpc.DialOption {
	requestDuration := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "strata",
		Name:      "grpc_request_duration_seconds",
		Help:      "Time spent doing Strata gRPC requests.",

		// Strata latency ranges from a few ms to a few sec and is
		// important.  So use 8 buckets from 128us to 2s.
		Buckets: prometheus.ExponentialBuckets(0.000128, 4, 8),
	}, []string{"operation", "status_code"})

	return []grpc.DialOption{
		grpc.WithUnaryInterceptor(unaryInstrumentation(requestDuration)),
		grpc.WithStreamInterceptor(streamInstrumentation(requestDuration)),
	}
}

func unaryInstrumentation(requestDuration *prometheus.HistogramVec) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, resp interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, resp, cc, opts...)
		requestDuration.WithLabelValues(method, instrument.ErrorCode(err)).Observe(time.Since(start).Seconds())
		return err
	}
}

func streamInstrumentation(requestDuration *prometheus.HistogramVec) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		start := time.Now()
		stream, err := streamer(ctx, desc, cc, method, opts...)
		return &instrumentedClientStream{
			start:           start,
			method:          method,
			requestDuration: requestDuration,
			ClientStream:    stream,
		}, err
	}
}

// instrumentedClientStream observes the stream duration once RecvMsg returns
// its first error, counting io.EOF as success.
type instrumentedClientStream struct {
	start           time.Time
	method          string
	requestDuration *prometheus.HistogramVec
	grpc.ClientStream
}

func (s *instrumentedClientStream) RecvMsg(m interface{}) error {
	err := s.ClientStream.RecvMsg(m)
	if err == nil {
		return err
	}

	if err == io.EOF {
		s.requestDuration.WithLabelValues(s.method, instrument.ErrorCode(nil)).Observe(time.Since(s.start).Seconds())
	} else {
		s.requestDuration.WithLabelValues(s.method, instrument.ErrorCode(err)).Observe(time.Since(s.start).Seconds())
	}

	return err
}
