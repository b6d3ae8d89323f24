package probe

var (
	WithDial = withDial
	Dial     = dial
)

var ZoneIndex = zoneIndex
