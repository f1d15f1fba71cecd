package geoip

import (
	"fmt"
	"net"

	geoip2 "github.com/oschwald/geoip2-golang"
)

// mmdbReader adapts a MaxMind city database to the MMDBReader interface.
type mmdbReader struct {
	reader *geoip2.Reader
}

// OpenMMDB opens a local MaxMind city database for offline attribution.
func OpenMMDB(path string) (MMDBReader, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MMDB %s: %w", path, err)
	}
	return &mmdbReader{reader: reader}, nil
}

func (m *mmdbReader) City(ip net.IP) (*CityResult, error) {
	rec, err := m.reader.City(ip)
	if err != nil {
		return nil, err
	}

	result := &CityResult{
		Country:   rec.Country.Names["en"],
		City:      rec.City.Names["en"],
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
		Timezone:  rec.Location.TimeZone,
	}
	if len(rec.Subdivisions) > 0 {
		result.Region = rec.Subdivisions[0].Names["en"]
	}
	return result, nil
}

func (m *mmdbReader) Close() error {
	return m.reader.Close()
}
