package tools

// harvestElementsJS collects up to %d actionable page elements into the
// key-element shape. XPath generation walks up the tree counting same-tag
// siblings, which is stable enough for the planner to target elements.
const harvestElementsJS = `(() => {
    const xpathOf = (el) => {
        if (el.id) return '//*[@id="' + el.id + '"]';
        const parts = [];
        while (el && el.nodeType === Node.ELEMENT_NODE) {
            let idx = 1;
            let sib = el.previousElementSibling;
            while (sib) {
                if (sib.tagName === el.tagName) idx++;
                sib = sib.previousElementSibling;
            }
            parts.unshift(el.tagName.toLowerCase() + '[' + idx + ']');
            el = el.parentElement;
        }
        return '/' + parts.join('/');
    };
    const clickable = (el) => {
        const tag = el.tagName.toLowerCase();
        return tag === 'a' || tag === 'button' || tag === 'select' ||
            (tag === 'input' && el.type !== 'hidden') ||
            el.getAttribute('role') === 'button' || el.onclick != null;
    };
    const out = [];
    const seen = new Set();
    const candidates = document.querySelectorAll('a, button, input, select, textarea, [role="button"]');
    for (const el of candidates) {
        if (out.length >= %d) break;
        if (seen.has(el)) continue;
        seen.add(el);
        const rect = el.getBoundingClientRect();
        const visible = rect.width > 0 && rect.height > 0 &&
            window.getComputedStyle(el).visibility !== 'hidden';
        out.push({
            element_id: el.id || '',
            tag_name: el.tagName.toLowerCase(),
            xpath: xpathOf(el),
            inner_text: (el.innerText || el.value || '').trim().slice(0, 200),
            is_visible: visible,
            is_clickable: clickable(el),
            bbox: {
                x_min: rect.left, y_min: rect.top,
                x_max: rect.right, y_max: rect.bottom
            },
            purpose_hint: el.getAttribute('aria-label') || el.getAttribute('placeholder') || ''
        });
    }
    return out;
})()`

// extractDataJS pulls an attribute (or the text) of every node matching a CSS
// selector, up to a limit. Arguments are substituted as (selector, limit,
// attribute) via %q/%d/%q.
const extractDataJS = `(() => {
    const nodes = document.querySelectorAll(%q);
    const out = [];
    for (const el of nodes) {
        if (out.length >= %d) break;
        const attr = %q;
        let value;
        if (attr === 'text') value = (el.innerText || '').trim();
        else if (attr === 'value') value = el.value || '';
        else value = el.getAttribute(attr) || '';
        if (value !== '') out.push(value);
    }
    return out;
})()`

// clickNthJS clicks the index-th match of a CSS selector; returns false when
// the index is out of range.
const clickNthJS = `(() => {
    const nodes = document.querySelectorAll(%q);
    const idx = %d;
    if (idx < 0 || idx >= nodes.length) return false;
    nodes[idx].click();
    return true;
})()`

// findLinksJS finds anchors whose text contains a keyword (case-insensitive).
const findLinksJS = `(() => {
    const keyword = %q.toLowerCase();
    const out = [];
    for (const a of document.querySelectorAll('a[href]')) {
        if (out.length >= %d) break;
        const text = (a.innerText || '').trim();
        if (text.toLowerCase().includes(keyword)) {
            out.push({ text: text.slice(0, 200), href: a.href });
        }
    }
    return out;
})()`

// scrollJS scrolls the page: direction is one of up/down/top/bottom, amount
// is pixels for up/down.
const scrollJS = `(() => {
    const dir = %q;
    const amount = %d;
    switch (dir) {
        case 'up': window.scrollBy(0, -amount); break;
        case 'down': window.scrollBy(0, amount); break;
        case 'top': window.scrollTo(0, 0); break;
        case 'bottom': window.scrollTo(0, document.body.scrollHeight); break;
    }
    return true;
})()`
