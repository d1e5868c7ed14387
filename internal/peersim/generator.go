package peersim

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/internal/domain/model"
)

// GeneratePeers creates n peers with unique identifiers. The first
// round(n*androidShare) are Android peers carrying their identifier in
// service data; the rest are iOS peers that must be read over GATT.
func GeneratePeers(n int, androidShare float64) ([]Peer, error) {
	if n < 1 {
		return nil, ErrNoPeers
	}
	androidShare = math.Max(0, math.Min(1, androidShare))
	android := int(math.Round(float64(n) * androidShare))

	peers := make([]Peer, n)
	for i := range peers {
		id := uuid.New()
		p := Peer{
			Handle:     uuid.NewString(),
			Identifier: hex.EncodeToString(id[:]),
			RSSI:       minRSSI + rand.IntN(maxRSSI-minRSSI+1),
		}
		if i < android {
			p.Platform = model.PlatformAndroid
			p.Name = fmt.Sprintf("Pixel %d", i+1)
		} else {
			p.Platform = model.PlatformIOS
			p.Name = fmt.Sprintf("iPhone %d", i+1)
		}
		peers[i] = p
	}
	return peers, nil
}

// advertisement is what p broadcasts. Only Android peers expose service data.
func (p Peer) advertisement() radio.Advertisement {
	adv := radio.Advertisement{LocalName: p.Name, ServiceUUIDs: []uuid.UUID{radio.ServiceUUID}}
	if p.Platform == model.PlatformAndroid {
		adv.ServiceData = map[uuid.UUID][]byte{radio.ServiceUUID: p.identifierBytes()}
	}
	return adv
}

func (p Peer) identifierBytes() []byte {
	return radio.IdentifierPayload(p.Identifier).Value
}

// sighting is one discovery with a little signal jitter.
func (p Peer) sighting() radio.Event {
	rssi := p.RSSI + rand.IntN(2*rssiJitter+1) - rssiJitter
	return radio.Discovered(radio.Handle(p.Handle), p.Name, rssi, p.advertisement())
}
