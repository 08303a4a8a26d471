package config

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ParseBucket splits a BUCKET[:/prefix] argument. Leading and trailing
// slashes of the prefix are dropped and an empty prefix means none; inner
// slashes are kept as given.
func ParseBucket(arg string) (bucket, prefix string, err error) {
	bucket = arg
	if i := strings.IndexByte(arg, ':'); i >= 0 {
		bucket = arg[:i]
		prefix = strings.Trim(arg[i+1:], "/")
	}
	if bucket == "" {
		return "", "", fmt.Errorf("bucket name is empty in %q", arg)
	}
	if strings.Contains(bucket, "/") {
		return "", "", fmt.Errorf("bucket name %q must not contain '/'", bucket)
	}
	return bucket, prefix, nil
}

// MountSettings is the result of parsing the -o list.
type MountSettings struct {
	// FSName overrides the source shown in the mount table.
	FSName             string
	AllowOther         bool
	DefaultPermissions bool
	AllowDev           bool
	AllowSUID          bool
}

// genericOptions are passed by mount(8) and fstab but mean nothing to a
// FUSE filesystem.
var genericOptions = map[string]bool{
	"rw":       true,
	"defaults": true,
	"auto":     true,
	"noauto":   true,
	"user":     true,
	"nouser":   true,
	"users":    true,
	"exec":     true,
	"noexec":   true,
	"atime":    true,
	"noatime":  true,
	"nodev":    true,
	"nosuid":   true,
	"_netdev":  true,
	"nofail":   true,
	"async":    true,
}

// ParseMountOptions interprets -o options. Entries may themselves be comma
// separated. Unknown options are an error unless sloppy is set, read-only
// mounts always are.
func ParseMountOptions(options []string, sloppy bool) (MountSettings, error) {
	var settings MountSettings

	for _, entry := range options {
		for _, opt := range strings.Split(entry, ",") {
			opt = strings.TrimSpace(opt)
			if opt == "" {
				continue
			}
			name, value, hasValue := strings.Cut(opt, "=")

			switch {
			case name == "ro":
				return MountSettings{}, fmt.Errorf("mount option %q: the filesystem is write-only", opt)
			case name == "fsname" && hasValue:
				settings.FSName = value
			case name == "allow_other":
				settings.AllowOther = true
			case name == "default_permissions":
				settings.DefaultPermissions = true
			case name == "dev":
				settings.AllowDev = true
			case name == "suid":
				settings.AllowSUID = true
			case name == "subtype" || genericOptions[name]:
				// subtype is fixed.
			case sloppy:
				log.WithField("option", opt).Warn("ignoring unknown mount option")
			default:
				return MountSettings{}, fmt.Errorf("unknown mount option %q", opt)
			}
		}
	}

	return settings, nil
}

// MountSettings merges the -o list with the mount.* booleans.
func (c *Config) MountSettings() (MountSettings, error) {
	settings, err := ParseMountOptions(c.Mount.Options, c.Mount.Sloppy)
	if err != nil {
		return MountSettings{}, err
	}
	settings.AllowOther = settings.AllowOther || c.Mount.AllowOther
	settings.DefaultPermissions = settings.DefaultPermissions || c.Mount.DefaultPermissions
	if settings.FSName == "" {
		settings.FSName = c.BucketName()
	}
	return settings, nil
}
