package multistream

// action is the decision decide hands back to the MultiStream state
// machine. It is unexported: callers only ever observe its effect (which
// state MultiStream ends up in), never the value itself.
type action int

const (
	actionPlain action = iota
	actionTLS
	actionFail
	// actionDetect is only ever returned pre-peek: it tells the state
	// machine to peek and classify, then call decide again post-peek.
	actionDetect
)

// decide is a pure, total, deterministic function of (role, options,
// classification). Called twice per handshake at most: once pre-peek with
// class == NeedMore to decide whether detection is even needed, and once
// more post-peek with the classifier's actual result.
func decide(role Role, opts Options, class Classification) action {
	if role == Client {
		if opts.UseClientTLS {
			return actionTLS
		}
		return actionPlain
	}

	// role == Server
	if class == NeedMore {
		// Pre-peek: decide whether we even need to look at the bytes.
		switch {
		case !opts.EnableServerTLS && !opts.RequireServerTLS && !opts.RequireServerProxy:
			return actionPlain
		case opts.RequireServerTLS && !opts.RequireServerProxy:
			return actionTLS
		default:
			return actionDetect
		}
	}

	// Post-peek.
	switch class {
	case Plain:
		if !opts.RequireServerTLS && !opts.RequireServerProxy {
			return actionPlain
		}
		return actionFail
	case TLS:
		if !opts.RequireServerProxy && (opts.EnableServerTLS || opts.RequireServerTLS) {
			return actionTLS
		}
		return actionFail
	case Proxy:
		// The source declares PROXY-then-TLS compositing a TODO; this
		// keeps the conservative closure. A Listener-level pre-filter can
		// strip a trusted PROXY preamble before MultiStream ever sees it
		// (see proxyheader.go); what reaches here is always a failure.
		return actionFail
	default: // NeedMore reached post-peek: classifier bug or truncated peek.
		return actionFail
	}
}
