package udptracker

import "time"

// udpBackOff implements the BEP 15 UDP tracker retry schedule: 15 seconds,
// doubling on every retry up to a ceiling of 8 doublings.
type udpBackOff int

func (b *udpBackOff) NextBackOff() time.Duration {
	defer func() { *b++ }()
	if *b > 8 {
		*b = 8
	}
	return time.Duration(15<<uint(*b)) * time.Second
}

func (b *udpBackOff) Reset() { *b = 0 }
