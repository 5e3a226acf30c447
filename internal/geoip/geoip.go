// Package geoip resolves ip -> {country,region,city,asn} for the
// RiskEngine's dual-stack detection and the DashboardEngine's IP
// distribution breakdown. It is the engine's only view of the GeoIP
// database; the mmdb download/refresh job is an external collaborator.
package geoip

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"github.com/new-api-tools/sidecar/internal/logger"
)

// Result is the geo lookup outcome for one IP.
type Result struct {
	IP          string
	Country     string
	CountryCode string
	Region      string
	City        string
	ASN         uint
	Org         string
	Success     bool
}

// LocationKey is the ASN:city:country_code identity used to decide
// whether two IPs represent the same origin (§4.5.1, GLOSSARY).
func (r Result) LocationKey() string {
	if !r.Success {
		return ""
	}
	city := r.City
	if city == "" {
		city = "unknown"
	}
	return fmt.Sprintf("%d:%s:%s", r.ASN, city, r.CountryCode)
}

type cacheEntry struct {
	result    Result
	negative  bool
	expiresAt time.Time
}

// Service holds the three optional mmdb readers plus a bounded result
// cache with TTL-cached negatives. When the cache is full the entry
// inserted earliest is evicted; a cache hit does not refresh an entry's
// position. Reads are concurrent; writes (insert on miss) are serialized
// by a single mutex, per SPEC_FULL.md §5.
type Service struct {
	mu sync.RWMutex

	country *geoip2.Reader
	asn     *geoip2.Reader
	city    *geoip2.Reader

	cache    map[string]cacheEntry
	order    []string // eviction order: insertion order, oldest first
	capacity int
	negTTL   time.Duration
}

// New opens whichever of the three mmdb files are provided (empty path
// = that reader is unavailable, not an error — the engine degrades
// gracefully per SPEC_FULL.md's Non-goal on the downloader).
func New(countryPath, asnPath, cityPath string, capacity int, negativeTTL time.Duration) (*Service, error) {
	if capacity <= 0 {
		capacity = 50000
	}
	if negativeTTL <= 0 {
		negativeTTL = time.Hour
	}
	s := &Service{
		cache:    make(map[string]cacheEntry, capacity),
		capacity: capacity,
		negTTL:   negativeTTL,
	}

	if countryPath != "" {
		r, err := geoip2.Open(countryPath)
		if err != nil {
			logger.Warn("geoip country db failed to open", zap.String("path", countryPath), zap.Error(err))
		} else {
			s.country = r
		}
	}
	if asnPath != "" {
		r, err := geoip2.Open(asnPath)
		if err != nil {
			logger.Warn("geoip asn db failed to open", zap.String("path", asnPath), zap.Error(err))
		} else {
			s.asn = r
		}
	}
	if cityPath != "" {
		r, err := geoip2.Open(cityPath)
		if err != nil {
			logger.Warn("geoip city db failed to open", zap.String("path", cityPath), zap.Error(err))
		} else {
			s.city = r
		}
	}

	return s, nil
}

// Close releases the open mmdb readers.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range []*geoip2.Reader{s.country, s.asn, s.city} {
		if r != nil {
			r.Close()
		}
	}
}

// Available reports whether at least the country database is loaded.
func (s *Service) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.country != nil
}

// Lookup resolves one IP, consulting the cache first.
func (s *Service) Lookup(ipStr string) Result {
	if cached, ok := s.fromCache(ipStr); ok {
		return cached
	}
	res := s.resolve(ipStr)
	s.store(ipStr, res)
	return res
}

// BatchLookup resolves many IPs at once. Distinct from a naive
// per-IP loop: cache hits are served without touching the mmdb readers,
// and only genuine misses pay the lookup cost.
func (s *Service) BatchLookup(ips []string) map[string]Result {
	out := make(map[string]Result, len(ips))
	for _, ip := range ips {
		if _, ok := out[ip]; ok {
			continue
		}
		out[ip] = s.Lookup(ip)
	}
	return out
}

func (s *Service) fromCache(ip string) (Result, bool) {
	s.mu.RLock()
	entry, ok := s.cache[ip]
	s.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	if entry.negative && time.Now().After(entry.expiresAt) {
		return Result{}, false // negative entry expired, re-resolve
	}
	return entry.result, true
}

func (s *Service) store(ip string, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := cacheEntry{result: res}
	if !res.Success {
		entry.negative = true
		entry.expiresAt = time.Now().Add(s.negTTL)
	}

	if _, exists := s.cache[ip]; !exists {
		if len(s.order) >= s.capacity {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.cache, oldest)
		}
		s.order = append(s.order, ip)
	}
	s.cache[ip] = entry
}

func (s *Service) resolve(ipStr string) Result {
	res := Result{IP: ipStr}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return res
	}

	if isPrivateIP(ip) {
		res.Country = "Local Network"
		res.CountryCode = "LAN"
		res.Success = true
		return res
	}

	s.mu.RLock()
	country, asn, city := s.country, s.asn, s.city
	s.mu.RUnlock()

	if country == nil {
		return res
	}

	rec, err := country.Country(ip)
	if err != nil {
		return res
	}
	res.Country = firstNonEmpty(rec.Country.Names["en"])
	res.CountryCode = rec.Country.IsoCode
	res.Success = true

	if asn != nil {
		if asnRec, err := asn.ASN(ip); err == nil {
			res.ASN = asnRec.AutonomousSystemNumber
			res.Org = asnRec.AutonomousSystemOrganization
		}
	}

	if city != nil {
		if cityRec, err := city.City(ip); err == nil {
			res.City = firstNonEmpty(cityRec.City.Names["en"])
			if len(cityRec.Subdivisions) > 0 {
				res.Region = firstNonEmpty(cityRec.Subdivisions[0].Names["en"])
			}
		}
	}

	return res
}

func firstNonEmpty(s string) string { return s }

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	blocks := []string{
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
		"169.254.0.0/16", "fc00::/7", "fe80::/10",
	}
	for _, b := range blocks {
		if _, cidr, err := net.ParseCIDR(b); err == nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// IPVersion classifies an address as v4, v6, or unknown.
type IPVersion string

const (
	IPv4    IPVersion = "v4"
	IPv6    IPVersion = "v6"
	Unknown IPVersion = "unknown"
)

func GetIPVersion(ipStr string) IPVersion {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return Unknown
	}
	if ip.To4() != nil {
		return IPv4
	}
	return IPv6
}

// IsDualStackPair reports whether ip1/ip2 are one IPv4 + one IPv6 address
// resolving to the same location key (§4.5.1's dual-stack switch test).
func (s *Service) IsDualStackPair(ip1, ip2 string) bool {
	v1, v2 := GetIPVersion(ip1), GetIPVersion(ip2)
	if !((v1 == IPv4 && v2 == IPv6) || (v1 == IPv6 && v2 == IPv4)) {
		return false
	}
	g1, g2 := s.Lookup(ip1), s.Lookup(ip2)
	if !g1.Success || !g2.Success {
		return false
	}
	return g1.LocationKey() == g2.LocationKey()
}
