package dashboard

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"

	sprig "github.com/Masterminds/sprig/v3"

	"github.com/cushionproxy/cushion/internal/stats"
	"github.com/cushionproxy/cushion/internal/upstream"
)

// page is the data handed to the dashboard template.
type page struct {
	Health stats.Health
	Cache  stats.CacheStats
	Queue  upstream.Stats
}

const pageSource = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>cushion dashboard</title>
<style>
body { font-family: sans-serif; margin: 2rem; color: #222; }
table { border-collapse: collapse; margin-bottom: 1.5rem; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.7rem; text-align: left; }
th { background: #f0f0f0; }
.degraded { color: #b00; font-weight: bold; }
.ok { color: #070; font-weight: bold; }
</style>
</head>
<body>
<h1>cushion</h1>
<p>Status: <span class="{{ .Health.Status }}">{{ .Health.Status | upper }}</span>
 &middot; uptime {{ .Health.UptimeSeconds }}s
 &middot; error rate {{ printf "%.2f" .Health.ErrorRate }}/min</p>

<h2>Cache ({{ .Cache.Size }} entries)</h2>
<table>
<tr><th>URL</th><th>Hits</th><th>Misses</th><th>Size</th><th>Avg ms</th><th>Max ms</th><th>Fetched</th></tr>
{{- range $url, $key := .Cache.Keys }}
<tr>
<td>{{ $url }}</td>
<td>{{ $key.Hits }}</td>
<td>{{ $key.Misses }}</td>
<td>{{ $key.PayloadSize }}</td>
<td>{{ printf "%.1f" $key.AvgResponseMS }}</td>
<td>{{ $key.MaxResponseMS }}</td>
<td>{{ if $key.LastFetchTime.IsZero }}never{{ else }}{{ $key.LastFetchTime.Format "15:04:05" }}{{ end }}</td>
</tr>
{{- end }}
</table>

<h2>Queue ({{ .Queue.ActiveCount }}/{{ .Queue.MaxConcurrent }} active, {{ .Queue.QueueLength }} waiting)</h2>
<table>
<tr><th>URL</th><th>Runtime ms</th></tr>
{{- range .Queue.ActiveRequests }}
<tr><td>{{ .URL }}</td><td>{{ .RuntimeMS }}</td></tr>
{{- end }}
</table>

{{- if .Cache.BackoffStates }}
<h2>Backoff</h2>
<table>
<tr><th>URL</th><th>Errors</th><th>Delay ms</th><th>Next retry in ms</th></tr>
{{- range $url, $state := .Cache.BackoffStates }}
<tr><td>{{ $url }}</td><td>{{ $state.ConsecutiveErrors }}</td><td>{{ $state.CurrentDelayMS }}</td><td>{{ $state.NextRetryInMS }}</td></tr>
{{- end }}
</table>
{{- end }}

<h2>Recent completions</h2>
<table>
<tr><th>URL</th><th>Runtime ms</th><th>Success</th></tr>
{{- range .Queue.RecentlyCompleted }}
<tr><td>{{ .URL }}</td><td>{{ .RuntimeMS }}</td><td>{{ .Success | ternary "yes" "no" }}</td></tr>
{{- end }}
</table>
</body>
</html>
`

// Handler renders the operator view over the statistics aggregator.
type Handler struct {
	aggregator *stats.Aggregator
	tmpl       *template.Template
}

// New compiles the embedded page template with the sprig helper set.
func New(aggregator *stats.Aggregator) (*Handler, error) {
	tmpl, err := template.New("dashboard").Funcs(sprig.FuncMap()).Parse(pageSource)
	if err != nil {
		return nil, fmt.Errorf("dashboard: parse template: %w", err)
	}
	return &Handler{aggregator: aggregator, tmpl: tmpl}, nil
}

// ServeHTTP renders the stats snapshot as HTML.
func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	data := page{
		Health: h.aggregator.Health(),
		Cache:  h.aggregator.Cache(),
		Queue:  h.aggregator.Queue(),
	}
	var buf bytes.Buffer
	if err := h.tmpl.Execute(&buf, data); err != nil {
		http.Error(w, "dashboard render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}
