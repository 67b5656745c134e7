package weatherrpc

import (
	"fmt"

	"github.com/kjstillabower/weather-broker/internal/broker"
	"github.com/kjstillabower/weather-broker/internal/models"
)

const (
	recordAbsent  int32 = 0
	recordPresent int32 = 1
)

// WriteRecord writes a presence flag followed by the record's seven fields. A nil rec is written
// as the absent flag alone.
func WriteRecord(p *broker.Parcel, rec *models.WeatherRecord) {
	if rec == nil {
		p.WriteInt32(recordAbsent)
		return
	}
	p.WriteInt32(recordPresent)
	p.WriteString(rec.Name)
	p.WriteFloat64(rec.WindSpeed)
	p.WriteFloat64(rec.WindDeg)
	p.WriteFloat64(rec.Temperature)
	p.WriteInt64(rec.Humidity)
	p.WriteInt64(rec.Sunrise)
	p.WriteInt64(rec.Sunset)
}

// ReadRecord reads a record written by WriteRecord. ok is false for the absent flag. Any flag
// other than 0 or 1 is a malformed parcel.
func ReadRecord(p *broker.Parcel) (rec models.WeatherRecord, ok bool, err error) {
	flag, err := p.ReadInt32()
	if err != nil {
		return rec, false, err
	}
	switch flag {
	case recordAbsent:
		return rec, false, nil
	case recordPresent:
	default:
		return rec, false, fmt.Errorf("%w: record presence flag %d", broker.ErrMalformedParcel, flag)
	}

	if rec.Name, err = p.ReadString(); err != nil {
		return rec, false, err
	}
	if rec.WindSpeed, err = p.ReadFloat64(); err != nil {
		return rec, false, err
	}
	if rec.WindDeg, err = p.ReadFloat64(); err != nil {
		return rec, false, err
	}
	if rec.Temperature, err = p.ReadFloat64(); err != nil {
		return rec, false, err
	}
	if rec.Humidity, err = p.ReadInt64(); err != nil {
		return rec, false, err
	}
	if rec.Sunrise, err = p.ReadInt64(); err != nil {
		return rec, false, err
	}
	if rec.Sunset, err = p.ReadInt64(); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}
