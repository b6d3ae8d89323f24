package framer

import "fmt"

// telnet command bytes, RFC 854
const (
	telnetSE   = 240
	telnetSB   = 250
	telnetWILL = 251
	telnetWONT = 252
	telnetDO   = 253
	telnetDONT = 254
	telnetIAC  = 255
)

// Telnet consumes option negotiation sent by a telnet-like service before
// its banner. Every WILL/WONT is refused by DONT, every DO/DONT by WONT.
// Negotiation ends with the first byte which is not IAC, everything from
// there on is banner data.
type Telnet struct {
	maxCycles int
	cycles    int
	stash     []byte
	inSB      bool
	done      bool
}

func NewTelnet(maxCycles int) *Telnet {
	return &Telnet{maxCycles: maxCycles}
}

// Done reports whether the banner has started
func (t *Telnet) Done() bool {
	return t.done
}

// Cycles returns the number of negotiation commands consumed so far
func (t *Telnet) Cycles() int {
	return t.cycles
}

// Filter consumes negotiation from p. It returns banner bytes, which are
// non empty only after the negotiation ended, and the replies to be sent
// to the peer. Incomplete commands are kept until the next call.
func (t *Telnet) Filter(p []byte) (banner, reply []byte, err error) {
	if t.done {
		return p, nil, nil
	}
	buf := p
	if len(t.stash) > 0 {
		buf = append(t.stash, p...)
		t.stash = nil
	}

	i := 0
	for i < len(buf) {
		if t.inSB {
			end := -1
			for j := i; j+1 < len(buf); j++ {
				if buf[j] == telnetIAC && buf[j+1] == telnetSE {
					end = j
					break
				}
			}
			if end < 0 {
				// keep a trailing IAC, it might start the IAC SE
				if buf[len(buf)-1] == telnetIAC {
					t.stash = []byte{telnetIAC}
				}
				return nil, reply, nil
			}
			t.inSB = false
			i = end + 2
			continue
		}

		if buf[i] != telnetIAC {
			t.done = true
			break
		}
		if i+1 >= len(buf) {
			t.stash = append([]byte(nil), buf[i:]...)
			return nil, reply, nil
		}

		cmd := buf[i+1]
		if cmd == telnetIAC {
			// escaped 0xff is data
			t.done = true
			i++
			break
		}

		var size int
		switch cmd {
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			if i+2 >= len(buf) {
				t.stash = append([]byte(nil), buf[i:]...)
				return nil, reply, nil
			}
			answer := byte(telnetWONT)
			if cmd == telnetWILL || cmd == telnetWONT {
				answer = telnetDONT
			}
			reply = append(reply, telnetIAC, answer, buf[i+2])
			size = 3
		case telnetSB:
			t.inSB = true
			size = 2
		default:
			size = 2
		}

		t.cycles++
		if t.cycles > t.maxCycles {
			return nil, reply, fmt.Errorf("%w: telnet negotiation exceeded %d commands", ErrFraming, t.maxCycles)
		}
		i += size
	}

	if !t.done {
		return nil, reply, nil
	}
	return append([]byte(nil), buf[i:]...), reply, nil
}
