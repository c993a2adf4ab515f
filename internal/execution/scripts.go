package execution

// In-page scripts. Each is a JavaScript function expression called with one
// JSON argument by automation.Surface.Evaluate.

const scriptLiveness = `() => true`

const scriptReadLocalStorage = `() => {
  const out = {};
  for (let i = 0; i < localStorage.length; i++) {
    const k = localStorage.key(i);
    out[k] = localStorage.getItem(k);
  }
  return out;
}`

const scriptWriteLocalStorage = `(items) => {
  const entries = Object.entries(items || {});
  for (const [k, v] of entries) localStorage.setItem(k, v);
  return entries.length;
}`

// scriptIsChecked returns null when the control is missing.
const scriptIsChecked = `(sel) => {
  const el = document.querySelector(sel);
  if (!el) return null;
  if (typeof el.checked === "boolean") return el.checked;
  if (el.getAttribute("aria-checked") !== null) return el.getAttribute("aria-checked") === "true";
  return el.classList.contains("checked") || el.classList.contains("active");
}`

// scriptDetectInterstitial returns the name of the first variant whose phrase
// appears in an open dialog (or the page body when no dialog is marked up).
const scriptDetectInterstitial = `(variants) => {
  const dialogs = Array.from(document.querySelectorAll('[role="dialog"], [data-dialog-name], .dialog, .modal'));
  const texts = dialogs.length
    ? dialogs.map((d) => ((d.innerText || "") + " " + (d.outerHTML || "")).toLowerCase())
    : [(document.body ? document.body.innerText : "").toLowerCase()];
  for (const v of variants) {
    for (const p of v.phrases || []) {
      const needle = p.toLowerCase();
      if (texts.some((t) => t.includes(needle))) return v.name;
    }
  }
  return "";
}`

// scriptClickByText clicks the button whose label best matches the first
// matching entry of labels, preferring exact matches inside scope.
const scriptClickByText = `(args) => {
  const root = (args.scope && document.querySelector(args.scope)) || document;
  const buttons = Array.from(root.querySelectorAll('button, [role="button"], a'))
    .filter((b) => b.offsetParent !== null || b.getClientRects().length > 0);
  const label = (b) => (b.innerText || b.textContent || b.getAttribute("aria-label") || "").trim().toLowerCase();
  for (const want of args.labels || []) {
    const w = want.toLowerCase();
    const exact = buttons.find((b) => label(b) === w);
    const loose = exact || buttons.find((b) => label(b).includes(w));
    if (loose) {
      loose.click();
      return want;
    }
  }
  return "";
}`

// scriptTableRows reads a table into rows keyed by header text. The symbol
// comes from a data-symbol attribute or the first cell; the timestamp from a
// data-timestamp attribute (epoch milliseconds) when present.
const scriptTableRows = `(sel) => {
  const table = document.querySelector(sel);
  if (!table) return [];
  const headers = Array.from(table.querySelectorAll("thead th, [role=columnheader]"))
    .map((h) => (h.innerText || h.textContent || "").trim());
  const rows = Array.from(table.querySelectorAll("tbody tr, [role=row][data-row-id]"));
  return rows.map((r) => {
    const cells = {};
    Array.from(r.querySelectorAll("td, [role=gridcell]")).forEach((c, i) => {
      const key = c.getAttribute("data-label") || headers[i] || ("col" + i);
      cells[key] = (c.innerText || c.textContent || "").trim();
    });
    const first = Object.values(cells)[0] || "";
    return {
      symbol: r.getAttribute("data-symbol") || first,
      cells: cells,
      timestamp: Number(r.getAttribute("data-timestamp") || 0),
    };
  });
}`

// scriptToasts returns the header and body text of every visible toast whose
// text contains one of phrases. With mark set, matching toast elements are
// tagged so later reads report them as seen.
const scriptToasts = `(args) => {
  const phrases = (args.phrases || []).map((p) => p.toLowerCase());
  return Array.from(document.querySelectorAll(args.container))
    .map((el) => {
      const h = args.header ? el.querySelector(args.header) : null;
      const header = ((h && (h.innerText || h.textContent)) || "").trim();
      let body = (el.innerText || el.textContent || "").trim();
      if (header && body.startsWith(header)) body = body.slice(header.length).trim();
      return { el: el, header: header, body: body };
    })
    .filter((t) => {
      const all = (t.header + " " + t.body).toLowerCase();
      return phrases.some((p) => all.includes(p));
    })
    .map((t) => {
      const seen = t.el.getAttribute("data-trader-seen") === "1";
      if (args.mark) t.el.setAttribute("data-trader-seen", "1");
      return { header: t.header, body: t.body, seen: seen };
    });
}`
