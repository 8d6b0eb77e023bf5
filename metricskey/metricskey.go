package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfTokenSign is perf metric of signing operations
	PerfTokenSign = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_token_sign",
		Help:         "perf_token_sign provides the sample metrics of token signing operations",
		RequiredTags: []string{"module", "mechanism"},
	}

	// PerfTokenReconnect is perf metric of reconnect attempts
	PerfTokenReconnect = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_token_reconnect",
		Help:         "perf_token_reconnect provides the sample metrics of token reconnect attempts",
		RequiredTags: []string{"module", "result"},
	}

	// PerfTokenRefresh is perf metric of slot discovery
	PerfTokenRefresh = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_token_refresh",
		Help:         "perf_token_refresh provides the sample metrics of token refresh",
		RequiredTags: []string{"module"},
	}

	// PerfBackendOperation is perf metric of remote backend calls
	PerfBackendOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_token_backend",
		Help:         "perf_token_backend provides the sample metrics of backend calls",
		RequiredTags: []string{"backend", "action"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfTokenSign,
	&PerfTokenReconnect,
	&PerfTokenRefresh,
	&PerfBackendOperation,
}
