package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>ctxsync</title>
  <style>
    :root {
      --ink: #14212b;
      --paper: #f6f3ec;
      --card: #fffdf8;
      --line: #d9cfba;
      --ok: #1f9d62;
      --warn: #c98a12;
      --bad: #c2403a;
    }
    body { margin: 0; font: 15px/1.5 "Avenir Next", "Segoe UI", sans-serif; color: var(--ink); background: var(--paper); }
    header { padding: 18px 24px; border-bottom: 2px solid var(--line); display: flex; align-items: baseline; gap: 16px; }
    header h1 { margin: 0; font-size: 20px; letter-spacing: 0.04em; }
    header span { color: #6b7682; font-size: 13px; }
    main { padding: 24px; max-width: 960px; margin: 0 auto; }
    .cards { display: grid; grid-template-columns: repeat(auto-fit, minmax(150px, 1fr)); gap: 12px; margin-bottom: 24px; }
    .card { background: var(--card); border: 1px solid var(--line); border-radius: 8px; padding: 12px 16px; }
    .card b { display: block; font-size: 24px; }
    .card small { color: #6b7682; text-transform: uppercase; letter-spacing: 0.08em; font-size: 11px; }
    table { width: 100%; border-collapse: collapse; background: var(--card); border: 1px solid var(--line); border-radius: 8px; }
    th, td { text-align: left; padding: 8px 12px; border-bottom: 1px solid var(--line); font-size: 14px; }
    th { font-size: 11px; text-transform: uppercase; letter-spacing: 0.08em; color: #6b7682; }
    .status-complete { color: var(--ok); font-weight: 600; }
    .status-unsynced { color: var(--warn); font-weight: 600; }
    .status-error { color: var(--bad); font-weight: 600; }
    .bar { height: 6px; background: #e8e2d4; border-radius: 3px; overflow: hidden; min-width: 90px; }
    .bar i { display: block; height: 100%; background: var(--ok); }
  </style>
</head>
<body>
  <header>
    <h1>ctxsync</h1>
    <span id="summary">loading&hellip;</span>
  </header>
  <main>
    <div class="cards" id="cards"></div>
    <table>
      <thead>
        <tr><th>File</th><th>Status</th><th>Progress</th><th>Message</th></tr>
      </thead>
      <tbody id="rows"><tr><td colspan="4">loading&hellip;</td></tr></tbody>
    </table>
  </main>
  <script>
    const token = new URLSearchParams(location.search).get("token") || "";
    const auth = token ? { "Authorization": "Bearer " + token } : {};
    function esc(s) { const d = document.createElement("span"); d.textContent = s == null ? "" : String(s); return d.innerHTML; }
    async function refresh() {
      try {
        const [itemsRes, statsRes] = await Promise.all([
          fetch("/v1/items", { headers: auth }),
          fetch("/v1/stats", { headers: auth }),
        ]);
        const items = (await itemsRes.json()).items || [];
        const stats = await statsRes.json();
        document.getElementById("summary").textContent =
          items.length + " items, retry queue depth " + stats.queueDepth;
        const by = stats.byStatus || {};
        document.getElementById("cards").innerHTML =
          ["complete", "unsynced", "error", "syncing"].map(k =>
            '<div class="card"><small>' + k + '</small><b>' + (by[k] || 0) + '</b></div>'
          ).join("");
        document.getElementById("rows").innerHTML = items.length
          ? items.map(it =>
              '<tr><td>' + esc(it.filename) + '</td>' +
              '<td class="status-' + esc(it.status) + '">' + esc(it.status) + '</td>' +
              '<td><div class="bar"><i style="width:' + (it.percent || 0) + '%"></i></div></td>' +
              '<td>' + esc(it.error) + '</td></tr>'
            ).join("")
          : '<tr><td colspan="4">no items</td></tr>';
      } catch (err) {
        document.getElementById("summary").textContent = "unreachable: " + err;
      }
    }
    refresh();
    setInterval(refresh, 3000);
    try {
      const proto = location.protocol === "https:" ? "wss:" : "ws:";
      const ws = new WebSocket(proto + "//" + location.host + "/v1/events/ws" + (token ? "?token=" + token : ""));
      ws.onmessage = refresh;
    } catch (err) { /* fall back to polling */ }
  </script>
</body>
</html>
`

func (s *Server) handleDashboard(c echo.Context) error {
	return c.HTML(http.StatusOK, dashboardHTML)
}
