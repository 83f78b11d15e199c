// internal/locator/scripts.go
package locator

// jsHelpers is prepended to every lookup. Each lookup ends by calling tag on
// its match, or returning the empty string. A null result would surface as
// an evaluation error rather than a miss.
const jsHelpers = `
    const visible = (el) => {
        if (!el || !el.isConnected) { return false; }
        const st = window.getComputedStyle(el);
        if (st.display === 'none' || st.visibility === 'hidden' || parseFloat(st.opacity) === 0) { return false; }
        const r = el.getBoundingClientRect();
        return r.width > 0 && r.height > 0;
    };
    const tag = (el) => {
        if (!el) { return ''; }
        el.setAttribute(args.attr, args.token);
        return args.token;
    };
    const matcher = args.pattern !== undefined ? new RegExp(args.pattern, 'i') : null;
`

// Implicit roles cover the controls the automated surfaces use.
const jsRoleLookup = `
    const implicit = {
        button: 'button, input[type="button"], input[type="submit"], input[type="reset"]',
        link: 'a[href]',
        textbox: 'input:not([type]), input[type="text"], input[type="email"], input[type="password"], input[type="search"], input[type="tel"], input[type="url"], textarea',
        checkbox: 'input[type="checkbox"]',
        switch: '',
        tab: '',
        menuitem: '',
        heading: 'h1, h2, h3, h4, h5, h6'
    };
    let selector = '[role="' + args.role + '"]';
    if (implicit[args.role]) { selector += ', ' + implicit[args.role]; }

    const nameOf = (el) => {
        const label = el.getAttribute('aria-label');
        if (label) { return label; }
        const by = el.getAttribute('aria-labelledby');
        if (by) {
            const parts = by.split(/\s+/).map((id) => document.getElementById(id)).filter(Boolean);
            if (parts.length) { return parts.map((p) => p.textContent).join(' '); }
        }
        if (el.id) {
            const lbl = document.querySelector('label[for="' + CSS.escape(el.id) + '"]');
            if (lbl) { return lbl.textContent; }
        }
        return el.innerText || el.value || el.getAttribute('placeholder') || el.getAttribute('title') || '';
    };

    for (const el of document.querySelectorAll(selector)) {
        if (!visible(el)) { continue; }
        if (matcher.test(nameOf(el).trim())) { return tag(el); }
    }
    return '';
`

// Innermost match: an element is skipped when one of its children matches too.
const jsTextLookup = `
    const candidates = [];
    for (const el of document.body.querySelectorAll('*')) {
        if (el.tagName === 'SCRIPT' || el.tagName === 'STYLE') { continue; }
        const text = (el.innerText || '').trim();
        if (text && matcher.test(text)) { candidates.push(el); }
    }
    for (const el of candidates) {
        const deeper = Array.from(el.children).some((c) => candidates.includes(c));
        if (!deeper && visible(el)) { return tag(el); }
    }
    return '';
`

// The smallest qualifying box wins so wrappers do not shadow the control.
const jsScanLookup = `
    let best = null;
    let bestArea = Infinity;
    for (const el of document.querySelectorAll('*')) {
        if (el.tagName === 'SCRIPT' || el.tagName === 'STYLE' || el.tagName === 'HTML' || el.tagName === 'BODY') { continue; }
        const text = (el.textContent || '').trim();
        if (!text || !matcher.test(text)) { continue; }
        const r = el.getBoundingClientRect();
        if (r.width <= args.minWidth || r.height <= args.minHeight || !visible(el)) { continue; }
        const area = r.width * r.height;
        if (area < bestArea) { best = el; bestArea = area; }
    }
    return tag(best);
`

const jsCSSLookup = `
    let el = null;
    try { el = document.querySelector(args.selector); } catch (e) { return ''; }
    return tag(el);
`
