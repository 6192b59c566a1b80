package scrape

// Injected page routines. Kept as single-expression IIFEs so Evaluate can
// return their JSON result directly.

// walkScript enumerates every element in the document and same-origin
// subframes, including the event map reachability check for click listeners
// and the :hover rule analysis. Returns a JSON array of raw elements.
const walkScript = `(() => {
  const out = [];
  const hoverRules = [];
  for (const sheet of document.styleSheets) {
    let rules;
    try { rules = sheet.cssRules; } catch (e) { continue; }
    for (const rule of rules) {
      if (rule.selectorText && rule.selectorText.includes(':hover')) {
        hoverRules.push(rule);
      }
    }
  }
  const listeners = window.__skyvernListeners || new WeakSet();
  const walk = (root, parentIndex, path) => {
    let ordinal = 0;
    for (const el of root.children) {
      const rect = el.getBoundingClientRect();
      const style = getComputedStyle(el);
      const attrs = {};
      for (const name of ['id','name','type','role','href','placeholder','aria-label','value']) {
        const v = el.getAttribute(name);
        if (v !== null) attrs[name] = v;
      }
      const hoverProps = [];
      for (const rule of hoverRules) {
        try {
          if (el.matches(rule.selectorText.replace(/:hover/g, ''))) {
            for (const prop of rule.style) hoverProps.push(prop);
          }
        } catch (e) {}
      }
      const index = out.length;
      out.push({
        index,
        parent_index: parentIndex,
        tag: el.tagName.toLowerCase(),
        ordinal_path: path ? path + '/' + ordinal : String(ordinal),
        css: window.__skyvernSelector(el),
        text: (el.innerText || '').trim().slice(0, 400),
        attributes: attrs,
        width: rect.width,
        height: rect.height,
        center_x: rect.x + rect.width / 2,
        center_y: rect.y + rect.height / 2,
        hidden: style.visibility === 'hidden' || style.display === 'none',
        has_click_listener: listeners.has(el) || typeof el.onclick === 'function',
        hover_style_props: hoverProps,
      });
      walk(el, index, out[index].ordinal_path);
      if (el.tagName === 'IFRAME') {
        try { walk(el.contentDocument.body, index, out[index].ordinal_path); } catch (e) {}
      }
      ordinal++;
    }
  };
  walk(document.body, -1, '');
  return out;
})()`

// fallbackWalkScript is the DOM-only walk used when the full injection is
// rejected by CSP: no event map, no hover analysis.
const fallbackWalkScript = `(() => {
  const out = [];
  const walk = (root, parentIndex, path) => {
    let ordinal = 0;
    for (const el of root.children) {
      const rect = el.getBoundingClientRect();
      const attrs = {};
      for (const name of ['id','name','type','role','href','placeholder','aria-label','value']) {
        const v = el.getAttribute(name);
        if (v !== null) attrs[name] = v;
      }
      const index = out.length;
      out.push({
        index,
        parent_index: parentIndex,
        tag: el.tagName.toLowerCase(),
        ordinal_path: path ? path + '/' + ordinal : String(ordinal),
        css: window.__skyvernSelector(el),
        text: (el.innerText || '').trim().slice(0, 400),
        attributes: attrs,
        width: rect.width,
        height: rect.height,
        center_x: rect.x + rect.width / 2,
        center_y: rect.y + rect.height / 2,
      });
      walk(el, index, out[index].ordinal_path);
      ordinal++;
    }
  };
  walk(document.body, -1, '');
  return out;
})()`

// settleScript reports the milliseconds since the last DOM mutation, used
// for the quiet-window settle check.
const settleScript = `(() => {
  if (!window.__skyvernLastMutation) {
    window.__skyvernLastMutation = Date.now();
    new MutationObserver(() => { window.__skyvernLastMutation = Date.now(); })
      .observe(document.documentElement, {subtree: true, childList: true, attributes: true});
  }
  return Date.now() - window.__skyvernLastMutation;
})()`

// overlayScript draws transient bounding boxes around the given element
// selectors before a screenshot.
const overlayScript = `((selectors) => {
  const layer = document.createElement('div');
  layer.id = '__skyvern_overlay';
  layer.style.cssText = 'position:fixed;inset:0;pointer-events:none;z-index:2147483647';
  for (const css of selectors) {
    const el = document.querySelector(css);
    if (!el) continue;
    const rect = el.getBoundingClientRect();
    const box = document.createElement('div');
    box.style.cssText = 'position:absolute;border:2px solid #fa3;left:' + rect.x + 'px;top:' +
      rect.y + 'px;width:' + rect.width + 'px;height:' + rect.height + 'px';
    layer.appendChild(box);
  }
  document.body.appendChild(layer);
  return true;
})`

// removeOverlayScript removes the transient bounding box layer.
const removeOverlayScript = `(() => {
  const layer = document.getElementById('__skyvern_overlay');
  if (layer) layer.remove();
  return true;
})()`
