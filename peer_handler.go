package dbus

const (
	peerInterface   = "org.freedesktop.DBus.Peer"
	memberPing      = "Ping"
	memberMachineID = "GetMachineId"
	errNotSupported = "org.freedesktop.DBus.Error.NotSupported"
)

// PeerHandler answers the standard org.freedesktop.DBus.Peer interface
// (Ping, GetMachineId) and otherwise replies NotSupported to any
// reply-expecting method call that no earlier Handler claimed, regardless
// of its interface. It belongs at the tail of every Pipeline: every D-Bus
// peer, client or service, must answer Peer.Ping so the other side's
// health check can use it (§4.5), and every unclaimed method call must get
// a reply of some kind unless the caller waived one.
type PeerHandler struct {
	// MachineID is returned by GetMachineId; 32 lowercase hex characters
	// by convention, but this package doesn't enforce that shape.
	MachineID string
	// Serials supplies outbound serials for the replies this handler
	// builds; normally the owning *Connection.
	Serials SerialSource
	// Reply sends an outbound message back to the bus on behalf of this
	// handler; normally *Connection.Send.
	Reply func(msg *OutboundMessage) error
}

func (p *PeerHandler) Handle(msg *InboundMessage) bool {
	if !msg.IsMethodCall() {
		return false
	}
	iface, _ := msg.Header.Interface()
	member, _ := msg.Header.Member()
	isPeer := iface == "" || iface == peerInterface

	var reply *OutboundMessage
	var err error
	switch {
	case isPeer && member == memberPing:
		reply, err = NewMethodReturn(msg.Header.Serial).Build(p.Serials)
	case isPeer && member == memberMachineID:
		reply, err = NewMethodReturn(msg.Header.Serial).Body(String(p.MachineID)).Build(p.Serials)
	default:
		if msg.Header.Flags.Has(FlagNoReplyExpected) {
			return true
		}
		reply, err = NewError(msg.Header.Serial, errNotSupported).
			Body(String("no such method: " + member)).
			Build(p.Serials)
	}
	if err != nil || p.Reply == nil {
		return true
	}
	if sender, ok := msg.Header.Sender(); ok {
		reply.Header.Fields = append(reply.Header.Fields, HeaderField{Code: FieldDestination, Value: String(sender)})
	}
	_ = p.Reply(reply)
	return true
}
