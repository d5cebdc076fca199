package transport

// Disconnect codes reported by the protocol library in Closed events.
const (
	CodeConnectionClosed    = 428
	CodeConnectionLost      = 408
	CodeLoggedOut           = 401
	CodeForbidden           = 403
	CodeMultideviceMismatch = 411
	CodeConnectionReplaced  = 440
	CodeBadSession          = 500
	CodeUnavailable         = 503
	CodeRestartRequired     = 515
)

// Fault classifies a Closed event.
type Fault struct {
	Permanent bool
	Reason    string
}

// Classify decides whether a disconnect code means the credentials are gone.
// Anything not known to be permanent is treated as a reconnectable fault.
func Classify(code int) Fault {
	switch code {
	case CodeLoggedOut:
		return Fault{Permanent: true, Reason: "loggedOut"}
	case CodeForbidden:
		return Fault{Permanent: true, Reason: "forbidden"}
	case CodeMultideviceMismatch:
		return Fault{Permanent: true, Reason: "multideviceMismatch"}
	case CodeConnectionReplaced:
		return Fault{Permanent: true, Reason: "connectionReplaced"}
	case CodeConnectionLost:
		return Fault{Reason: "connectionLost"}
	case CodeConnectionClosed:
		return Fault{Reason: "connectionClosed"}
	case CodeRestartRequired:
		return Fault{Reason: "restartRequired"}
	case CodeBadSession:
		return Fault{Reason: "badSession"}
	case CodeUnavailable:
		return Fault{Reason: "unavailable"}
	default:
		return Fault{Reason: "unknown"}
	}
}
