package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/geo-beacon/internal/status"
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
	"stamp": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Geo Beacon</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Geo Beacon{{if .Config.WSBroker}}<span id="live-dot" class="live-dot pending" title="connecting"></span>{{end}}</h1>

<h2>Location</h2>
<table>
{{if .LastLocation}}<tr><th>Position</th><td id="position">{{printf "%.6f" .LastLocation.Latitude}}, {{printf "%.6f" .LastLocation.Longitude}}</td></tr>
<tr><th>Accuracy</th><td>{{printf "%.0f" .LastLocation.Accuracy}}m</td></tr>
<tr><th>Fix time</th><td id="fix-time">{{stamp .LastLocation.Time}}</td></tr>
<tr><th>Last report</th><td id="report">{{.LastReport}}</td></tr>
<tr><th>Published</th><td>{{stamp .LastPublishAt}}</td></tr>
{{else}}<tr><th>Position</th><td id="position" class="unknown">no location yet</td></tr>{{end}}
</table>

<h2>Keepalive</h2>
<table>
<tr><th>Mode</th><td>{{if .Config.Adaptive}}adaptive (Fibonacci){{else}}every tick{{end}}</td></tr>
<tr><th>Interval</th><td>{{.Config.KeepAliveMs}}ms</td></tr>
<tr><th>Ticks</th><td>{{.Keepalive.Ticks}}</td></tr>
<tr><th>Last tick</th><td>{{stamp .Keepalive.LastTick}}</td></tr>
<tr><th>Last outcome</th><td>{{stateOrUnknown (printf "%s" .Keepalive.Outcome)}}</td></tr>
<tr><th>Counter</th><td>{{.Keepalive.Counter}} / {{.Keepalive.Threshold}} (index {{.Keepalive.Index}})</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}} (v{{.Config.Protocol}})</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Topic</th><td>{{.Config.Topic}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Reports</h2>
<table>
<tr><th>Default</th><td>{{.Publishes.Default}}</td></tr>
<tr><th>User</th><td>{{.Publishes.User}}</td></tr>
<tr><th>Ping</th><td>{{.Publishes.Ping}}</td></tr>
<tr><th>Skipped (no fix)</th><td>{{.Publishes.Skipped}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Button</th><td>{{if lt .Config.ButtonPin 0}}disabled{{else}}GPIO{{.Config.ButtonPin}} {{stateOrUnknown (printf "%s" .Button)}}, {{.ButtonCounts.Pressed}} presses{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
{{if .Config.WSBroker}}
<script src="/mqtt.min.js"></script>
<script>
(function() {
  var broker = "{{.Config.WSBroker}}";
  var topic = "{{.Config.Topic}}";
  var dot = document.getElementById("live-dot");
  var posEl = document.getElementById("position");
  var fixEl = document.getElementById("fix-time");
  var reportEl = document.getElementById("report");
  var reports = { "u": "USER", "p": "PING" };

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  var client = mqtt.connect(broker, { reconnectPeriod: 5000 });

  client.on("connect", function() {
    setDot("ok", "live");
    client.subscribe(topic);
  });

  client.on("reconnect", function() {
    setDot("pending", "reconnecting");
  });

  client.on("offline", function() {
    setDot("err", "offline");
  });

  client.on("error", function() {
    setDot("err", "error");
  });

  client.on("message", function(t, payload) {
    try {
      var msg = JSON.parse(payload.toString());
      if (msg._type !== "location") {
        return;
      }
      posEl.textContent = msg.lat.toFixed(6) + ", " + msg.lon.toFixed(6);
      posEl.className = "";
      if (fixEl) {
        fixEl.textContent = new Date(msg.tst * 1000).toISOString().replace(/\.\d+Z$/, "Z");
      }
      if (reportEl) {
        reportEl.textContent = reports[msg.t] || "DEFAULT";
      }
    } catch (e) {}
  });
})();
</script>
{{end}}
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
