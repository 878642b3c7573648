package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	netio "github.com/shirou/gopsutil/v4/net"

	"statagent/internal/kv"
)

// Persisted keys owned by the source.
const (
	KeyChannelID = "CHANNEL_ID"
	KeyDeviceID  = "DEVICE_ID"

	unknownChannel = "UNKNOWN"
	timeLayout     = "2006-01-02 15:04:05"
)

// Identity is the app identity attached to common params.
type Identity struct {
	AppID      string
	AppVersion string
	ChannelID  string
	DeviceID   string
	SDKVersion string
}

// Source reads host facts and persisted identity values.
type Source struct {
	identity Identity
	store    kv.Store
	logger   *slog.Logger

	hostInfo   func(context.Context) (*host.InfoStat, error)
	cpuInfo    func(context.Context) ([]cpu.InfoStat, error)
	memInfo    func(context.Context) (*mem.VirtualMemoryStat, error)
	diskUsage  func(context.Context, string) (*disk.UsageStat, error)
	interfaces func(context.Context) (netio.InterfaceStatList, error)
	getenv     func(string) string
	now        func() time.Time
}

// NewSource creates a parameter source.
// Params: identity configured app identity; store persisted values; logger diagnostics.
// Returns: source.
func NewSource(identity Identity, store kv.Store, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		identity:   identity,
		store:      store,
		logger:     logger.With(slog.String("component", "device")),
		hostInfo:   host.InfoWithContext,
		cpuInfo:    cpu.InfoWithContext,
		memInfo:    mem.VirtualMemoryWithContext,
		diskUsage:  disk.UsageWithContext,
		interfaces: netio.InterfacesWithContext,
		getenv:     os.Getenv,
		now:        time.Now,
	}
}

// CommonParams returns the eight identity fields attached to every event.
// Params: ctx for host and store reads.
// Returns: parameter map or store error.
func (s *Source) CommonParams(ctx context.Context) (map[string]string, error) {
	info := s.host(ctx)

	deviceID, err := s.deviceID(ctx, info)
	if err != nil {
		return nil, err
	}
	channelID, err := s.channelID(ctx)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"osVersion":  info.PlatformVersion,
		"deviceId":   deviceID,
		"platform":   info.OS,
		"channelId":  channelID,
		"appId":      s.identity.AppID,
		"appVersion": s.identity.AppVersion,
		"sdkVersion": s.identity.SDKVersion,
		"timestamp":  s.now().Format(timeLayout),
	}, nil
}

// DeviceParams returns the host snapshot merged into DEVICE and session-begin events.
// Read failures leave the affected fields empty.
// Params: ctx for host reads.
// Returns: parameter map.
func (s *Source) DeviceParams(ctx context.Context) map[string]string {
	info := s.host(ctx)
	locale, language, country, charset := parseLocale(s.locale())
	ip, mac := s.primaryAddress(ctx)

	return map[string]string{
		"os":         info.OS,
		"osVersion":  info.PlatformVersion,
		"model":      info.Platform,
		"brand":      info.PlatformFamily,
		"carrier":    "",
		"screenSize": "",
		"density":    "",
		"densityDpi": "",
		"resolution": "",
		"locale":     locale,
		"country":    country,
		"language":   language,
		"charset":    charset,
		"ip":         ip,
		"mac":        mac,
		"cpuInfo":    s.cpuSummary(ctx),
		"memInfo":    s.memSummary(ctx),
		"diskInfo":   s.diskSummary(ctx),
	}
}

// host reads host info, falling back to runtime facts.
func (s *Source) host(ctx context.Context) host.InfoStat {
	info, err := s.hostInfo(ctx)
	if err != nil || info == nil {
		if err != nil {
			s.logger.Warn("read host info failed", slog.String("error", err.Error()))
		}
		return host.InfoStat{OS: runtime.GOOS, KernelArch: runtime.GOARCH}
	}
	return *info
}

// deviceID resolves configured id, then host id, then a persisted random id.
// Params: ctx store context; info host facts.
// Returns: device id or store error.
func (s *Source) deviceID(ctx context.Context, info host.InfoStat) (string, error) {
	if id := strings.TrimSpace(s.identity.DeviceID); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(info.HostID); id != "" {
		return id, nil
	}

	stored, err := s.store.GetString(ctx, KeyDeviceID, "")
	if err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	}
	if stored != "" {
		return stored, nil
	}
	generated := uuid.NewString()
	if err := s.store.SaveString(ctx, KeyDeviceID, generated); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return generated, nil
}

// channelID resolves the persisted channel, then the configured one, then UNKNOWN.
// A configured channel is persisted on first use.
// Params: ctx store context.
// Returns: channel id or store error.
func (s *Source) channelID(ctx context.Context) (string, error) {
	stored, err := s.store.GetString(ctx, KeyChannelID, "")
	if err != nil {
		return "", fmt.Errorf("read channel id: %w", err)
	}
	if stored != "" {
		return stored, nil
	}

	configured := strings.TrimSpace(s.identity.ChannelID)
	if configured == "" || configured == unknownChannel {
		return unknownChannel, nil
	}
	if err := s.store.SaveString(ctx, KeyChannelID, configured); err != nil {
		return "", fmt.Errorf("save channel id: %w", err)
	}
	return configured, nil
}

// locale returns the POSIX locale from the environment.
func (s *Source) locale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if value := s.getenv(key); value != "" {
			return value
		}
	}
	return ""
}

// parseLocale splits "en_US.UTF-8" into locale, language, country and charset.
func parseLocale(raw string) (locale, language, country, charset string) {
	if raw == "" || raw == "C" || raw == "POSIX" {
		return raw, "", "", ""
	}
	locale = raw
	if idx := strings.IndexByte(locale, '@'); idx >= 0 {
		locale = locale[:idx]
	}
	if idx := strings.IndexByte(locale, '.'); idx >= 0 {
		charset = locale[idx+1:]
		locale = locale[:idx]
	}
	language, country, _ = strings.Cut(locale, "_")
	return locale, language, country, charset
}

// primaryAddress returns the first non-loopback IPv4 address and its MAC.
func (s *Source) primaryAddress(ctx context.Context) (string, string) {
	ifaces, err := s.interfaces(ctx)
	if err != nil {
		s.logger.Warn("read interfaces failed", slog.String("error", err.Error()))
		return "", ""
	}
	for _, iface := range ifaces {
		if lo.Contains(iface.Flags, "loopback") || !lo.Contains(iface.Flags, "up") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, _, _ := strings.Cut(addr.Addr, "/")
			if strings.Contains(ip, ".") {
				return ip, iface.HardwareAddr
			}
		}
	}
	return "", ""
}

// cpuSummary formats "<model> x<count>".
func (s *Source) cpuSummary(ctx context.Context) string {
	infos, err := s.cpuInfo(ctx)
	if err != nil || len(infos) == 0 {
		if err != nil {
			s.logger.Warn("read cpu info failed", slog.String("error", err.Error()))
		}
		return ""
	}
	return fmt.Sprintf("%s x%d", strings.TrimSpace(infos[0].ModelName), len(infos))
}

// memSummary formats total memory in bytes.
func (s *Source) memSummary(ctx context.Context) string {
	vm, err := s.memInfo(ctx)
	if err != nil || vm == nil {
		if err != nil {
			s.logger.Warn("read memory info failed", slog.String("error", err.Error()))
		}
		return ""
	}
	return strconv.FormatUint(vm.Total, 10)
}

// diskSummary formats root filesystem total bytes.
func (s *Source) diskSummary(ctx context.Context) string {
	usage, err := s.diskUsage(ctx, "/")
	if err != nil || usage == nil {
		if err != nil {
			s.logger.Debug("read disk usage failed", slog.String("error", err.Error()))
		}
		return ""
	}
	return strconv.FormatUint(usage.Total, 10)
}
