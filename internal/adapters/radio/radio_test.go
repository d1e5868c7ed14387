package radio_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/proxitrace/internal/adapters/radio"
	"github.com/okian/proxitrace/internal/domain/model"
)

func TestParseAdvertisement(t *testing.T) {
	Convey("Given advertisement payloads", t, func() {
		Convey("When service data carries the identifier under the service UUID", func() {
			adv := radio.Advertisement{ServiceData: map[uuid.UUID][]byte{
				radio.ServiceUUID: {0xde, 0xad, 0xbe, 0xef},
				uuid.New():        {0x01},
			}}
			sd := radio.ParseAdvertisement(adv)
			So(sd.Present, ShouldBeTrue)
			So(sd.Identifier, ShouldEqual, "deadbeef")
		})

		Convey("When a single foreign entry is present", func() {
			adv := radio.Advertisement{ServiceData: map[uuid.UUID][]byte{uuid.New(): {0x0a, 0x0b}}}
			sd := radio.ParseAdvertisement(adv)
			So(sd.Present, ShouldBeTrue)
			So(sd.Identifier, ShouldEqual, "0a0b")
		})

		Convey("When there is no service data", func() {
			So(radio.ParseAdvertisement(radio.Advertisement{LocalName: "iPhone"}).Present, ShouldBeFalse)
		})

		Convey("When the value is empty", func() {
			adv := radio.Advertisement{ServiceData: map[uuid.UUID][]byte{radio.ServiceUUID: {}}}
			So(radio.ParseAdvertisement(adv).Present, ShouldBeFalse)
		})
	})
}

func TestStateAndPayload(t *testing.T) {
	Convey("Given radio states", t, func() {
		So(radio.StatePoweredOn.Err(), ShouldBeNil)
		So(errors.Is(radio.StateUnauthorized.Err(), model.ErrRadioUnauthorized), ShouldBeTrue)
		So(errors.Is(radio.StatePoweredOff.Err(), model.ErrRadioPoweredOff), ShouldBeTrue)
		So(errors.Is(radio.StateResetting.Err(), model.ErrRadioPoweredOff), ShouldBeTrue)
		So(radio.ParseState("powered_on"), ShouldEqual, radio.StatePoweredOn)
		So(radio.ParseState("nonsense"), ShouldEqual, radio.StateUnknown)
	})

	Convey("Given identifier payloads", t, func() {
		p := radio.IdentifierPayload("00ff10")
		So(p.Value, ShouldResemble, []byte{0x00, 0xff, 0x10})
		So(p.Service, ShouldEqual, radio.ServiceUUID)
		So(p.Characteristic, ShouldEqual, radio.CharacteristicUUID)

		So(radio.IdentifierPayload("not-hex").Value, ShouldResemble, []byte("not-hex"))
	})

	Convey("Given event kinds", t, func() {
		So(radio.ParseEventKind(radio.EventCharacteristicRead.String()), ShouldEqual, radio.EventCharacteristicRead)
		So(radio.ParseEventKind("bogus"), ShouldEqual, radio.EventKind(0))
	})
}
