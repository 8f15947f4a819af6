package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. JAMZ_STORE_BACKEND
const EnvPrefix = "JAMZ"

type DefinitionsConfig struct {
	Inputs []InputDefinition `mapstructure:"inputs" yaml:"inputs"`
}

// InputDefinition describes a capture device that profiles can reference
type InputDefinition struct {
	ID        string   `mapstructure:"id" yaml:"id"`
	Name      string   `mapstructure:"name" yaml:"name"`
	Backend   string   `mapstructure:"backend" yaml:"backend"` // "pipewire", "pulse", "alsa", "auto"
	Device    string   `mapstructure:"device" yaml:"device,omitempty"`
	Sources   []string `mapstructure:"sources" yaml:"sources,omitempty"` // Ordered list: mono=[source], stereo=[left,right]
	AudioMode string   `mapstructure:"audioMode" yaml:"audioMode"`       // "mono" (default), "stereo"
}

// Channels returns the capture channel count of the input
func (d *InputDefinition) Channels() int {
	if d.AudioMode == "stereo" {
		return 2
	}
	return 1
}

type ProfileConfig struct {
	Input  string       `mapstructure:"input" yaml:"input"`
	Audio  AudioConfig  `mapstructure:"audio" yaml:"audio,omitempty"`
	Export ExportConfig `mapstructure:"export" yaml:"export,omitempty"`
}

type RootConfig struct {
	ActiveProfile            string                    `mapstructure:"active_profile" yaml:"active_profile"`
	Audio                    AudioConfig               `mapstructure:"audio" yaml:"audio"`
	Definitions              *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Profiles                 map[string]*ProfileConfig `mapstructure:"profiles" yaml:"profiles,omitempty"`
	Store                    StoreConfig               `mapstructure:"store" yaml:"store"`
	Blobs                    BlobsConfig               `mapstructure:"blobs" yaml:"blobs"`
	Export                   ExportConfig              `mapstructure:"export" yaml:"export"`
	Stems                    StemsConfig               `mapstructure:"stems" yaml:"stems"`
	Server                   ServerConfig              `mapstructure:"server" yaml:"server"`
	SupportedAudioExtensions []string                  `mapstructure:"supported_audio_extensions" yaml:"supported_audio_extensions"`
}

// Config is the resolved configuration of the selected profile
type Config struct {
	Profile                  string           `yaml:"profile,omitempty"`
	Audio                    AudioConfig      `yaml:"audio"`
	Input                    *InputDefinition `yaml:"input,omitempty"`
	Store                    StoreConfig      `yaml:"store"`
	Blobs                    BlobsConfig      `yaml:"blobs"`
	Export                   ExportConfig     `yaml:"export"`
	Stems                    StemsConfig      `yaml:"stems"`
	Server                   ServerConfig     `yaml:"server"`
	SupportedAudioExtensions []string         `yaml:"supported_audio_extensions"`
}

type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate" yaml:"sample_rate,omitempty"`
	// Output is "auto", "null" or a player command (pw-cat, pacat, aplay, ffplay)
	Output        string        `mapstructure:"output" yaml:"output,omitempty"`
	FrameInterval time.Duration `mapstructure:"frame_interval" yaml:"frame_interval,omitempty"`
	FFmpegPath    string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path,omitempty"`
}

type StoreConfig struct {
	Backend   string      `mapstructure:"backend" yaml:"backend"` // "file", "redis"
	Directory string      `mapstructure:"directory" yaml:"directory"`
	Watch     bool        `mapstructure:"watch" yaml:"watch"`
	Redis     RedisConfig `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

type BlobsConfig struct {
	Backend   string      `mapstructure:"backend" yaml:"backend"` // "file", "minio"
	Directory string      `mapstructure:"directory" yaml:"directory"`
	Minio     MinioConfig `mapstructure:"minio" yaml:"minio"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region,omitempty"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix,omitempty"`
}

type ExportConfig struct {
	Directory  string `mapstructure:"directory" yaml:"directory,omitempty"`
	Format     string `mapstructure:"format" yaml:"format,omitempty"` // "wav", "mp3"
	Mp3Bitrate int    `mapstructure:"mp3_bitrate" yaml:"mp3_bitrate,omitempty"`
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate,omitempty"`
}

type StemsConfig struct {
	Endpoint     string        `mapstructure:"endpoint" yaml:"endpoint"`
	Quality      string        `mapstructure:"quality" yaml:"quality"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

func dataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "jamz")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share", "jamz")
}

// DefaultConfigPath is used when no --config flag is given
func DefaultConfigPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "jamz.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("active_profile", "")
	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.output", "auto")
	v.SetDefault("audio.frame_interval", 16*time.Millisecond)
	v.SetDefault("audio.ffmpeg_path", "")
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.directory", filepath.Join(dataDir(), "projects"))
	v.SetDefault("store.watch", true)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "jamz:")
	v.SetDefault("blobs.backend", "file")
	v.SetDefault("blobs.directory", filepath.Join(dataDir(), "audio"))
	v.SetDefault("blobs.minio.endpoint", "localhost:9000")
	v.SetDefault("blobs.minio.access_key", "")
	v.SetDefault("blobs.minio.secret_key", "")
	v.SetDefault("blobs.minio.bucket", "jamz")
	v.SetDefault("blobs.minio.region", "")
	v.SetDefault("blobs.minio.use_ssl", false)
	v.SetDefault("blobs.minio.prefix", "")
	v.SetDefault("export.directory", filepath.Join(os.Getenv("HOME"), "Audio", "Jamz"))
	v.SetDefault("export.format", "wav")
	v.SetDefault("export.mp3_bitrate", 192)
	v.SetDefault("export.sample_rate", 44100)
	v.SetDefault("stems.endpoint", "http://localhost:8000/api/stems/separate")
	v.SetDefault("stems.quality", "balanced")
	v.SetDefault("stems.poll_interval", time.Second)
	v.SetDefault("stems.max_attempts", 120)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("supported_audio_extensions", []string{"wav", "mp3", "flac", "ogg", "webm"})
}

// loadDotEnv reads .env files next to the config and in the working
// directory. Variables already set in the environment win.
func loadDotEnv(configFile string) {
	var files []string
	if configFile != "" {
		files = append(files, filepath.Join(filepath.Dir(configFile), ".env"))
	}
	files = append(files, ".env")
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			godotenv.Load(f)
		}
	}
}

// ReadRoot reads the configuration file with defaults and JAMZ_ environment
// overrides applied. An empty configFile yields defaults only.
func ReadRoot(configFile string) (*RootConfig, error) {
	loadDotEnv(configFile)

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	var root RootConfig
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validateDefinitions(root.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}
	for name, p := range root.Profiles {
		if err := validateProfile(p, root.Definitions); err != nil {
			return nil, fmt.Errorf("invalid profile '%s': %w", name, err)
		}
	}
	return &root, nil
}

// Load reads configFile and resolves the named profile, falling back to
// active_profile and then "default" when profiles are defined
func Load(configFile, profile string) (*Config, error) {
	root, err := ReadRoot(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg, err := Resolve(root, profile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Resolve applies the selected profile on top of the global settings
func Resolve(root *RootConfig, profile string) (*Config, error) {
	cfg := &Config{
		Audio:                    root.Audio,
		Store:                    root.Store,
		Blobs:                    root.Blobs,
		Export:                   root.Export,
		Stems:                    root.Stems,
		Server:                   root.Server,
		SupportedAudioExtensions: root.SupportedAudioExtensions,
	}

	name := profile
	if name == "" {
		name = root.ActiveProfile
	}
	if name == "" && len(root.Profiles) > 0 {
		name = "default"
	}
	if name != "" {
		p, ok := root.Profiles[name]
		if !ok {
			return nil, fmt.Errorf("configuration profile '%s' not found", name)
		}
		cfg.Profile = name
		mergeProfile(cfg, p)
		if p.Input != "" {
			def := findInput(root.Definitions, p.Input)
			if def == nil {
				return nil, fmt.Errorf("profile '%s': input '%s' not found in definitions", name, p.Input)
			}
			in := *def
			cfg.Input = &in
		}
	}
	if cfg.Input == nil {
		if root.Definitions != nil && len(root.Definitions.Inputs) > 0 {
			in := root.Definitions.Inputs[0]
			cfg.Input = &in
		}
	}
	if cfg.Input != nil && cfg.Input.AudioMode == "" {
		cfg.Input.AudioMode = "mono"
	}

	cfg.Store.Directory = expandPath(cfg.Store.Directory)
	cfg.Blobs.Directory = expandPath(cfg.Blobs.Directory)
	cfg.Export.Directory = expandPath(cfg.Export.Directory)
	return cfg, nil
}

// mergeProfile overrides global settings with the profile's non-zero values
func mergeProfile(cfg *Config, p *ProfileConfig) {
	if p.Audio.SampleRate != 0 {
		cfg.Audio.SampleRate = p.Audio.SampleRate
	}
	if p.Audio.Output != "" {
		cfg.Audio.Output = p.Audio.Output
	}
	if p.Audio.FrameInterval != 0 {
		cfg.Audio.FrameInterval = p.Audio.FrameInterval
	}
	if p.Audio.FFmpegPath != "" {
		cfg.Audio.FFmpegPath = p.Audio.FFmpegPath
	}
	if p.Export.Directory != "" {
		cfg.Export.Directory = p.Export.Directory
	}
	if p.Export.Format != "" {
		cfg.Export.Format = p.Export.Format
	}
	if p.Export.Mp3Bitrate != 0 {
		cfg.Export.Mp3Bitrate = p.Export.Mp3Bitrate
	}
	if p.Export.SampleRate != 0 {
		cfg.Export.SampleRate = p.Export.SampleRate
	}
}

func findInput(defs *DefinitionsConfig, id string) *InputDefinition {
	if defs == nil {
		return nil
	}
	for i := range defs.Inputs {
		if defs.Inputs[i].ID == id {
			return &defs.Inputs[i]
		}
	}
	return nil
}

// UpdateActiveProfile updates the active_profile field in the config file
func UpdateActiveProfile(configFile, name string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with other readers
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	v.Set("active_profile", name)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// YAML renders the resolved configuration
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteDefault writes a starter configuration file. It refuses to overwrite.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	root, err := ReadRoot("")
	if err != nil {
		return err
	}
	root.Definitions = &DefinitionsConfig{Inputs: []InputDefinition{
		{ID: "mic", Name: "Microphone", Backend: "auto", AudioMode: "mono"},
	}}
	root.Profiles = map[string]*ProfileConfig{"default": {Input: "mic"}}
	root.ActiveProfile = "default"
	data, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// IsSupportedAudioFile reports whether path has one of the configured extensions
func (c *Config) IsSupportedAudioFile(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range c.SupportedAudioExtensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// Validate checks the resolved configuration
func (c *Config) Validate() error {
	var errs []error
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be within 8000..192000, got: %d", c.Audio.SampleRate))
	}
	if c.Audio.FrameInterval < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_interval must be >= 0, got: %s", c.Audio.FrameInterval))
	}
	switch c.Store.Backend {
	case "file":
		if c.Store.Directory == "" {
			errs = append(errs, fmt.Errorf("store.directory is required for the file backend"))
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("store.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be 'file' or 'redis', got: %s", c.Store.Backend))
	}
	switch c.Blobs.Backend {
	case "file":
		if c.Blobs.Directory == "" {
			errs = append(errs, fmt.Errorf("blobs.directory is required for the file backend"))
		}
	case "minio":
		if c.Blobs.Minio.Endpoint == "" || c.Blobs.Minio.Bucket == "" {
			errs = append(errs, fmt.Errorf("blobs.minio.endpoint and blobs.minio.bucket are required for the minio backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("blobs.backend must be 'file' or 'minio', got: %s", c.Blobs.Backend))
	}
	if c.Export.Format != "wav" && c.Export.Format != "mp3" {
		errs = append(errs, fmt.Errorf("export.format must be 'wav' or 'mp3', got: %s", c.Export.Format))
	}
	if c.Export.Mp3Bitrate < 32 || c.Export.Mp3Bitrate > 320 {
		errs = append(errs, fmt.Errorf("export.mp3_bitrate must be within 32..320, got: %d", c.Export.Mp3Bitrate))
	}
	if c.Export.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("export.sample_rate must be > 0, got: %d", c.Export.SampleRate))
	}
	switch c.Stems.Quality {
	case "fast", "balanced", "high":
	default:
		errs = append(errs, fmt.Errorf("stems.quality must be 'fast', 'balanced' or 'high', got: %s", c.Stems.Quality))
	}
	if c.Stems.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("stems.poll_interval must be > 0, got: %s", c.Stems.PollInterval))
	}
	if c.Stems.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("stems.max_attempts must be > 0, got: %d", c.Stems.MaxAttempts))
	}
	if c.Input != nil {
		if err := validateInputDefinition(*c.Input, "input"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// isValidAudioSource checks if a source name is valid for JACK/PipeWire
func isValidAudioSource(source string) bool {
	source = strings.TrimSpace(source)

	// Empty or disabled sources are handled elsewhere
	if source == "" || source == "disabled" {
		return true
	}

	if strings.Contains(source, ":") {
		// device names may contain colons, so the port is after the last one
		lastColonIndex := strings.LastIndex(source, ":")
		deviceName := strings.TrimSpace(source[:lastColonIndex])
		port := strings.TrimSpace(source[lastColonIndex+1:])
		return len(deviceName) > 0 && len(port) > 0
	}

	return len(source) > 0
}

// validateDefinitions validates the definitions section. It is optional:
// without inputs recording uses the backend's default device.
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return nil
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Inputs {
		if def.ID == "" {
			return fmt.Errorf("definitions.inputs[%d]: 'id' is required", i)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("definitions.inputs[%d]: duplicate ID '%s'", i, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateInputDefinition(def, fmt.Sprintf("definitions.inputs[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

// validateInputDefinition validates a single input definition
func validateInputDefinition(def InputDefinition, prefix string) error {
	switch def.Backend {
	case "", "auto", "pipewire", "pulse", "alsa":
	default:
		return fmt.Errorf("%s: 'backend' must be 'auto', 'pipewire', 'pulse' or 'alsa', got: %s", prefix, def.Backend)
	}

	if def.AudioMode != "" && def.AudioMode != "mono" && def.AudioMode != "stereo" {
		return fmt.Errorf("%s: 'audioMode' must be 'mono' or 'stereo', got: %s", prefix, def.AudioMode)
	}

	// explicit sources must match the channel count
	if len(def.Sources) > 0 {
		expected := def.Channels()
		if len(def.Sources) != expected {
			return fmt.Errorf("%s: audioMode '%s' requires exactly %d source(s), got %d",
				prefix, def.AudioMode, expected, len(def.Sources))
		}
	}

	for j, source := range def.Sources {
		if source != "" && source != "disabled" && !isValidAudioSource(source) {
			return fmt.Errorf("%s: source[%d] must be a valid audio source (JACK port), got: %s",
				prefix, j, source)
		}
	}
	return nil
}

// validateProfile validates the input reference of a profile
func validateProfile(p *ProfileConfig, definitions *DefinitionsConfig) error {
	if p == nil {
		return fmt.Errorf("profile is empty")
	}
	if p.Input != "" && findInput(definitions, p.Input) == nil {
		return fmt.Errorf("input: references undefined input definition '%s'", p.Input)
	}
	if p.Audio.SampleRate < 0 {
		return fmt.Errorf("audio.sample_rate override must be >= 0, got %d", p.Audio.SampleRate)
	}
	if p.Export.Format != "" && p.Export.Format != "wav" && p.Export.Format != "mp3" {
		return fmt.Errorf("export.format override must be 'wav' or 'mp3', got %s", p.Export.Format)
	}
	return nil
}
