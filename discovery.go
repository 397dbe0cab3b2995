package hkpair

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/brutella/dnssd"

	"github.com/hkontrol/hkpair/log"
)

const hapServiceType = "_hap._tcp.local."

// DiscoveredDevice is an accessory advertised over multicast dns.
type DiscoveredDevice struct {
	Id    string
	Name  string
	Model string
	// Addrs are tcp addresses, ipv6 first.
	Addrs []string
	// Paired is false while the accessory accepts pair-setup.
	Paired bool
}

// entryToDevice reads the TXT record of e. Entries without an id are not
// accessories.
func entryToDevice(e dnssd.BrowseEntry) (DiscoveredDevice, bool) {
	// CC:22:3D:E3:CE:65 example of id
	id, ok := e.Text["id"]
	if !ok {
		return DiscoveredDevice{}, false
	}
	d := DiscoveredDevice{
		Id:     id,
		Name:   e.Name,
		Model:  e.Text["md"],
		Paired: true,
	}
	// status flag bit 0 is set while the accessory is not paired
	if sf, err := strconv.Atoi(e.Text["sf"]); err == nil {
		d.Paired = sf&1 == 0
	}

	ips := append([]net.IP(nil), e.IPs...)
	sort.SliceStable(ips, func(i, j int) bool {
		return ips[i].To4() == nil && ips[j].To4() != nil
	})
	for _, ip := range ips {
		if ip.To4() == nil {
			// ipv6 tcpAddr in square brackets
			// [fe80::...%wlp2s0]:51510
			zone := ""
			if ip.IsLinkLocalUnicast() && e.IfaceName != "" {
				zone = "%" + e.IfaceName
			}
			d.Addrs = append(d.Addrs, fmt.Sprintf("[%s%s]:%d", ip.String(), zone, e.Port))
		} else {
			d.Addrs = append(d.Addrs, fmt.Sprintf("%s:%d", ip.String(), e.Port))
		}
	}
	return d, true
}

// Discover browses for accessories until ctx is done.
func Discover(ctx context.Context, add func(DiscoveredDevice), rmv func(DiscoveredDevice)) error {
	addFn := func(e dnssd.BrowseEntry) {
		d, ok := entryToDevice(e)
		if !ok {
			log.Debug().Debugf("ignoring %s: no id in txt record", e.Name)
			return
		}
		log.Debug().Debugf("found %s (%s) at %v, paired: %v", d.Name, d.Id, d.Addrs, d.Paired)
		if add != nil {
			add(d)
		}
	}
	rmvFn := func(e dnssd.BrowseEntry) {
		d, ok := entryToDevice(e)
		if !ok {
			return
		}
		log.Debug().Debugf("%s (%s) went away", d.Name, d.Id)
		if rmv != nil {
			rmv(d)
		}
	}
	err := dnssd.LookupType(ctx, hapServiceType, addFn, rmvFn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// DialDiscovered tries the addresses of dd in order and returns the device
// of the first one accepting the connection.
func (c *Controller) DialDiscovered(ctx context.Context, dd DiscoveredDevice) (*Device, error) {
	if len(dd.Addrs) == 0 {
		return nil, fmt.Errorf("no address for %s", dd.Id)
	}
	var lastErr error
	for _, addr := range dd.Addrs {
		d, err := c.Dial(ctx, dd.Id, addr)
		if err == nil {
			return d, nil
		}
		c.log.Debugf("tcpAddr: %s error: %v", addr, err)
		lastErr = err
	}
	return nil, lastErr
}
