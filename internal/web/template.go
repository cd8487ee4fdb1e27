package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/channel-manager/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
	"stateClass": func(s string) string {
		switch s {
		case "IDLE":
			return "idle"
		case "":
			return "unknown"
		default:
			return "busy"
		}
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Channel Manager</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.idle { color: green; font-weight: bold; }
.busy { color: orange; font-weight: bold; }
.unknown { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Channel Manager<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Channel</h2>
<table>
<tr><th>State</th><td id="state" class="{{stateClass (printf "%s" .Manager.State)}}">{{stateOrUnknown (printf "%s" .Manager.State)}}</td></tr>
<tr><th>Current</th><td id="channel">{{.Manager.CurrentChannel}}</td></tr>
<tr><th>Requested</th><td id="requested">{{if .Manager.RequestedChannel}}{{.Manager.RequestedChannel}}{{else}}-{{end}}</td></tr>
<tr><th>Supported</th><td>{{.Manager.Supported}}</td></tr>
<tr><th>Favored</th><td>{{.Manager.Favored}}</td></tr>
<tr><th>Delay</th><td>{{.Manager.DelaySec}}s</td></tr>
<tr><th>Auto-select</th><td>{{if .Manager.AutoSelect}}every {{.Manager.AutoSelectInterval}}s{{else}}disabled{{end}}</td></tr>
<tr><th>CCA failure rate</th><td id="cca">{{.Manager.CCAFailureRate}}</td></tr>
<tr><th>Samples</th><td id="samples">{{.Manager.SampleCount}}</td></tr>
<tr><th>Last selection</th><td id="last-selection">{{if .LastSelection}}{{.LastSelection}}{{else}}-{{end}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Requests</th><td>{{.Counts.Requests}}</td></tr>
<tr><th>Attempts</th><td>{{.Counts.Attempts}}</td></tr>
<tr><th>Retries</th><td>{{.Counts.Retries}}</td></tr>
<tr><th>Changes</th><td>{{.Counts.Changes}}</td></tr>
<tr><th>Failures</th><td>{{.Counts.Failures}}</td></tr>
<tr><th>Rejections</th><td>{{.Counts.Rejections}}</td></tr>
<tr><th>Superseded</th><td>{{.Counts.Supersessions}}</td></tr>
<tr><th>Selections</th><td>{{.Counts.Selections}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Sample period</th><td>{{.Config.SampleMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
{{if .Config.Simulated}}<tr><th>Radio</th><td>simulated</td></tr>{{end}}
</table>

<p><a href="/index.json">JSON</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }
  function set(id, v) {
    document.getElementById(id).textContent = v;
  }
  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(ev) {
      try {
        var s = JSON.parse(ev.data).status;
        var st = document.getElementById("state");
        st.textContent = s.state;
        st.className = s.state === "IDLE" ? "idle" : "busy";
        set("channel", s.channel);
        set("requested", s.requested_channel || "-");
        set("cca", s.quality.cca_failure_rate);
        set("samples", s.quality.sample_count);
        set("last-selection", s.last_selection || "-");
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
