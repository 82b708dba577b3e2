package feedapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Notifeed Feed Surface</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --accent-2: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background:
        radial-gradient(1200px 500px at -5% -10%, rgba(232, 138, 61, 0.18), transparent 60%),
        radial-gradient(900px 500px at 110% -10%, rgba(31, 157, 136, 0.2), transparent 65%),
        linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 980px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .bar {
      background: linear-gradient(140deg, #fffefc, #fcf6eb);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 {
      margin: 0;
      font-size: clamp(1.2rem, 2vw, 1.75rem);
      letter-spacing: 0.02em;
    }

    .sub {
      margin-top: 6px;
      color: var(--muted);
      font-size: 0.9rem;
    }

    .controls {
      display: grid;
      gap: 10px;
      grid-template-columns: 1.4fr 0.6fr 0.7fr 0.6fr;
      margin-top: 12px;
    }

    .controls input {
      width: 100%;
      border-radius: 10px;
      border: 1px solid var(--line);
      background: #ffffff;
      color: var(--ink);
      padding: 10px 12px;
      font-size: 0.92rem;
      outline: none;
    }

    button {
      border: 0;
      border-radius: 10px;
      padding: 10px 12px;
      font-family: inherit;
      font-weight: 700;
      cursor: pointer;
    }

    .btn-primary {
      background: linear-gradient(125deg, var(--accent), #2ab399);
      color: #ffffff;
    }

    .btn-secondary {
      background: linear-gradient(120deg, #f2ede2, #efe6d7);
      color: var(--ink);
      border: 1px solid var(--line);
    }

    .btn-danger {
      background: linear-gradient(125deg, var(--danger), #d8675e);
      color: #ffffff;
    }

    .cards {
      display: grid;
      gap: 10px;
      grid-template-columns: repeat(4, minmax(120px, 1fr));
    }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 12px;
      min-height: 78px;
      box-shadow: 0 8px 18px rgba(16, 34, 35, 0.08);
    }

    .label {
      text-transform: uppercase;
      letter-spacing: 0.09em;
      font-size: 0.66rem;
      color: var(--muted);
    }

    .value {
      margin-top: 6px;
      font-size: 1.02rem;
      font-weight: 700;
    }

    .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 12px;
      box-shadow: 0 10px 20px rgba(16, 34, 35, 0.08);
    }

    .feed {
      margin: 0;
      padding: 0;
      list-style: none;
      display: grid;
      gap: 8px;
      max-height: 520px;
      overflow: auto;
    }

    .feed li {
      border: 1px solid #e3d9c4;
      border-left: 5px solid var(--accent);
      border-radius: 10px;
      padding: 9px 10px;
      background: #fffcf7;
      font-size: 0.85rem;
      line-height: 1.35;
      display: flex;
      justify-content: space-between;
      gap: 8px;
      align-items: center;
    }

    .feed li.read { border-left-color: var(--line); opacity: 0.72; }
    .feed li.fresh { border-left-color: var(--accent-2); }

    .feed .meta {
      display: block;
      margin-top: 2px;
      font-size: 0.72rem;
      color: var(--muted);
    }

    .row-actions { display: flex; gap: 6px; }
    .row-actions button { padding: 6px 8px; font-size: 0.72rem; }

    .status-line {
      margin-top: 10px;
      font-size: 0.84rem;
      color: var(--muted);
      display: flex;
      flex-wrap: wrap;
      gap: 10px;
    }

    .mono { font-family: "IBM Plex Mono", Menlo, Consolas, monospace; }
    .ok { color: #0f8f53; }
    .warn { color: #b66a21; }
    .err { color: var(--danger); }

    @media (max-width: 720px) {
      .controls { grid-template-columns: 1fr; }
      .cards { grid-template-columns: repeat(2, minmax(120px, 1fr)); }
    }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>Notifeed Feed Surface</h1>
      <div class="sub">Live notification feed with dedup, replay suppression, and optimistic mutations.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token (blank if auth disabled)" autocomplete="off" />
        <button id="refresh" class="btn-primary" type="button">Refresh</button>
        <button id="readAll" class="btn-secondary" type="button">Mark All Read</button>
        <button id="clearAll" class="btn-danger" type="button">Clear All</button>
      </div>
      <div class="status-line">
        <span>Stream: <span id="streamState">disconnected</span></span>
        <span>Last: <span id="lastUpdated">never</span></span>
        <span id="statusMessage">idle</span>
      </div>
    </section>

    <section class="cards">
      <article class="card"><div class="label">Feed Size</div><div id="feedSize" class="value">-</div></article>
      <article class="card"><div class="label">Unread</div><div id="unreadCount" class="value">-</div></article>
      <article class="card"><div class="label">Fresh Window</div><div id="freshWindow" class="value mono">-</div></article>
      <article class="card"><div class="label">Duplicates Rejected</div><div id="duplicateTotal" class="value">-</div></article>
    </section>

    <section class="panel">
      <ul id="feedRows" class="feed"></ul>
    </section>
  </main>

  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        readAll: document.getElementById("readAll"),
        clearAll: document.getElementById("clearAll"),
        streamState: document.getElementById("streamState"),
        lastUpdated: document.getElementById("lastUpdated"),
        statusMessage: document.getElementById("statusMessage"),
        feedSize: document.getElementById("feedSize"),
        unreadCount: document.getElementById("unreadCount"),
        freshWindow: document.getElementById("freshWindow"),
        duplicateTotal: document.getElementById("duplicateTotal"),
        feedRows: document.getElementById("feedRows"),
      };

      let socket = null;
      const freshIDs = new Set();

      function getToken() {
        return dom.token.value.trim();
      }

      function setStatus(text, cls) {
        dom.statusMessage.textContent = text;
        dom.statusMessage.className = cls || "";
      }

      async function request(path, method) {
        const headers = {};
        const token = getToken();
        if (token) {
          headers["Authorization"] = "Bearer " + token;
        }
        const response = await fetch(path, { method: method || "GET", headers: headers });
        const text = await response.text();
        let data = {};
        try { data = JSON.parse(text); } catch (err) { /* empty body */ }
        if (!response.ok) {
          const msg = data.message ? String(data.message) : response.statusText;
          throw new Error(response.status + ": " + msg);
        }
        return data;
      }

      function renderFeed(records, unread) {
        dom.feedRows.innerHTML = "";
        dom.unreadCount.textContent = String(unread);
        dom.feedSize.textContent = String(records.length);
        if (records.length === 0) {
          const li = document.createElement("li");
          li.textContent = "No notifications";
          dom.feedRows.appendChild(li);
          return;
        }
        records.forEach(function (n) {
          const li = document.createElement("li");
          if (n.isRead) { li.classList.add("read"); }
          if (freshIDs.has(n.id)) { li.classList.add("fresh"); }
          const body = document.createElement("div");
          const title = document.createElement("strong");
          title.textContent = n.title || n.id;
          body.appendChild(title);
          const meta = document.createElement("span");
          meta.className = "meta";
          meta.textContent = String(n.category || "-") + " | " + String(n.createdAt || "") + (n.message ? " | " + n.message : "");
          body.appendChild(meta);
          li.appendChild(body);

          const actions = document.createElement("div");
          actions.className = "row-actions";
          if (!n.isRead) {
            const readBtn = document.createElement("button");
            readBtn.className = "btn-secondary";
            readBtn.textContent = "Read";
            readBtn.addEventListener("click", function () {
              mutate("/v1/feed/" + encodeURIComponent(n.id) + "/read", "POST");
            });
            actions.appendChild(readBtn);
          }
          const delBtn = document.createElement("button");
          delBtn.className = "btn-danger";
          delBtn.textContent = "Delete";
          delBtn.addEventListener("click", function () {
            mutate("/v1/feed/" + encodeURIComponent(n.id), "DELETE");
          });
          actions.appendChild(delBtn);
          li.appendChild(actions);
          dom.feedRows.appendChild(li);
        });
      }

      async function loadFeed() {
        try {
          const page = await request("/v1/feed?limit=200");
          const status = await request("/v1/status");
          renderFeed(page.records || [], page.unreadCount || 0);
          dom.freshWindow.textContent = String(status.freshWindow || "-");
          dom.duplicateTotal.textContent = String(status.counters && status.counters.duplicateTotal || 0);
          dom.lastUpdated.textContent = new Date().toLocaleTimeString();
          setStatus(status.lastError ? status.lastError : "ok", status.lastError ? "warn" : "ok");
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      async function mutate(path, method) {
        try {
          await request(path, method);
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
        loadFeed();
      }

      function connectStream() {
        if (socket) {
          socket.close();
          socket = null;
        }
        const proto = window.location.protocol === "https:" ? "wss:" : "ws:";
        let url = proto + "//" + window.location.host + "/v1/feed/stream";
        const token = getToken();
        if (token) {
          url += "?token=" + encodeURIComponent(token);
        }
        socket = new WebSocket(url);
        socket.onopen = function () {
          dom.streamState.textContent = "connected";
          dom.streamState.className = "ok";
        };
        socket.onclose = function () {
          dom.streamState.textContent = "disconnected";
          dom.streamState.className = "err";
          setTimeout(connectStream, 3000);
        };
        socket.onmessage = function (event) {
          let update = {};
          try { update = JSON.parse(event.data); } catch (err) { return; }
          if (update.kind === "admitted" && update.fresh && update.record && update.record.id) {
            freshIDs.add(update.record.id);
            setTimeout(function () { freshIDs.delete(update.record.id); loadFeed(); }, 30000);
          }
          loadFeed();
        };
      }

      dom.refresh.addEventListener("click", function () {
        mutate("/v1/feed/refresh", "POST");
      });
      dom.readAll.addEventListener("click", function () {
        mutate("/v1/feed/read-all", "POST");
      });
      dom.clearAll.addEventListener("click", function () {
        mutate("/v1/feed", "DELETE");
      });
      dom.token.addEventListener("change", function () {
        window.localStorage.setItem("notifeed_dashboard_token", getToken());
        connectStream();
        loadFeed();
      });

      dom.token.value = window.localStorage.getItem("notifeed_dashboard_token") || "";
      connectStream();
      loadFeed();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
