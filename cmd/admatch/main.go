// Command admatch runs the encrypted matching protocol locally and reports
// per-stage timings.
//
// Usage:
//
//	admatch run    [-width 256] [-user HEX] [-target HEX] [-iterations 1]
//	admatch verify [-width 128]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/opaque/admatch"
	"github.com/opaque/admatch/internal/config"
	"github.com/opaque/admatch/pkg/crypto"
	"github.com/opaque/admatch/pkg/match"
	"github.com/opaque/admatch/pkg/profile"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: admatch <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  run     encrypt a profile, match it against a target and print timings")
	fmt.Fprintln(w, "  verify  AND an encrypted value with a clear scalar and check the result")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "verify":
		err = verifyCommand(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "admatch: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
	width      int
	preset     string
	verbose    bool
}

func (c *commonFlags) register(fs *flag.FlagSet, defaultWidth int) {
	fs.StringVar(&c.configPath, "config", "", "YAML config file (crypto and log sections)")
	fs.IntVar(&c.width, "width", defaultWidth, "Profile width in bits (overrides config)")
	fs.StringVar(&c.preset, "preset", "", "Parameter preset pn13|pn14 (overrides config)")
	fs.BoolVar(&c.verbose, "v", false, "Log every stage")
}

// sessionConfig merges the config file with flag overrides.
func (c *commonFlags) sessionConfig(fs *flag.FlagSet) (admatch.Config, *logrus.Logger, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return admatch.Config{}, nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "width":
			cfg.Crypto.Width = c.width
		case "preset":
			cfg.Crypto.Preset = c.preset
		}
	})
	if c.configPath == "" {
		cfg.Crypto.Width = c.width
	}

	preset, err := crypto.ParsePreset(cfg.Crypto.Preset)
	if err != nil {
		return admatch.Config{}, nil, err
	}
	logger := cfg.NewLogger()
	if c.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return admatch.Config{
		Width:      cfg.Crypto.Width,
		Preset:     preset,
		Evaluators: 1,
		Logger:     logger,
	}, logger, nil
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var common commonFlags
	common.register(fs, 256)
	userHex := fs.String("user", "", "User profile as hex (default: 0x00ff in each half)")
	targetHex := fs.String("target", "", "Target profile as hex (default: 0xaaaa in each half)")
	iterations := fs.Int("iterations", 1, "Number of matches to time")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *iterations < 1 {
		return fmt.Errorf("-iterations must be at least 1")
	}

	cfg, logger, err := common.sessionConfig(fs)
	if err != nil {
		return err
	}
	timings := match.NewTimings()
	cfg.Recorder = timings
	if common.verbose {
		cfg.Recorder = match.Tee(timings, match.NewLogRecorder(logger))
	}

	user, target, err := demoProfiles(cfg.Width, *userHex, *targetHex)
	if err != nil {
		return err
	}

	fmt.Printf("=== admatch: %d-bit profiles ===\n\n", cfg.Width)

	start := time.Now()
	sess, err := admatch.NewSession(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Key generation: %v\n", time.Since(start))

	evkData, err := sess.EvaluationKey().MarshalBinary()
	if err != nil {
		return err
	}
	fmt.Printf("Evaluation key: %s (fingerprint %s)\n", humanize.Bytes(uint64(len(evkData))), sess.Fingerprint())

	start = time.Now()
	enc, err := sess.Encrypt(user)
	if err != nil {
		return err
	}
	fmt.Printf("Encryption: %v\n", time.Since(start))

	encData, err := enc.MarshalBinary()
	if err != nil {
		return err
	}
	fmt.Printf("Encrypted profile: %s\n\n", humanize.Bytes(uint64(len(encData))))

	pool, err := sess.Pool()
	if err != nil {
		return err
	}
	var result match.Result
	for i := 0; i < *iterations; i++ {
		if result, err = pool.Match(context.Background(), enc, target); err != nil {
			return err
		}
	}

	printStage(timings, match.StageXor, "XOR operation")
	printStage(timings, match.StageAnd, "AND operation")
	printStage(timings, match.StagePopCount, "Count ones operation")
	printStage(timings, match.StageDistance, "Hamming Distance")
	printStage(timings, match.StageOverlap, "Overlap Score")
	fmt.Println()

	start = time.Now()
	score, err := sess.DecryptMatch(result)
	if err != nil {
		return err
	}
	fmt.Printf("Decryption: %v\n", time.Since(start))
	fmt.Printf("Distance: %d\n", score.Distance)
	fmt.Printf("Score: %d\n", score.Overlap)

	if d, o := clearMetrics(user, target); d != score.Distance || o != score.Overlap {
		return fmt.Errorf("decrypted metrics %d/%d do not match cleartext %d/%d", score.Distance, score.Overlap, d, o)
	}
	fmt.Println("Done!")
	return nil
}

func verifyCommand(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	var common commonFlags
	common.register(fs, 128)
	secretHex := fs.String("secret", "0x123456", "Value to encrypt, as hex")
	scalarHex := fs.String("scalar", "0xabcdef", "Clear scalar, as hex")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := common.sessionConfig(fs)
	if err != nil {
		return err
	}
	secret, err := profile.ParseHex(cfg.Width, *secretHex)
	if err != nil {
		return fmt.Errorf("-secret: %w", err)
	}
	scalar, err := profile.ParseHex(cfg.Width, *scalarHex)
	if err != nil {
		return fmt.Errorf("-scalar: %w", err)
	}

	sess, err := admatch.NewSession(cfg)
	if err != nil {
		return err
	}
	enc, err := sess.Encrypt(secret)
	if err != nil {
		return err
	}
	ev, err := crypto.NewEvaluator(sess.EvaluationKey())
	if err != nil {
		return err
	}

	and, elapsed, err := match.Measure(nil, match.StageAnd, func() (*crypto.EncryptedProfile, error) {
		return ev.AndPlain(enc, scalar)
	})
	if err != nil {
		return err
	}
	fmt.Printf("& scalar operation: %v\n", elapsed)

	got, err := sess.DecryptProfile(and)
	if err != nil {
		return err
	}
	want, err := secret.And(scalar)
	if err != nil {
		return err
	}
	if !got.Equal(want) {
		return fmt.Errorf("verification failed: got %s, want %s", got, want)
	}
	fmt.Printf("%s & %s = %s\n", secret, scalar, got)
	fmt.Println("Verified")
	return nil
}

func printStage(t *match.Timings, label, title string) {
	s, ok := t.Summary(label)
	if !ok {
		return
	}
	if s.Count == 1 {
		fmt.Printf("%s: %v\n", title, s.Total)
		return
	}
	fmt.Printf("%s: mean %v, median %v, p95 %v over %s runs\n", title, s.Mean, s.Median, s.P95, humanize.Comma(int64(s.Count)))
}

// demoProfiles returns the user and target profiles. Unset ones default to
// the 16-bit patterns 0x00ff (user) and 0xaaaa (target) placed at the start
// of each half of the profile.
func demoProfiles(width int, userHex, targetHex string) (profile.Profile, profile.Profile, error) {
	user, err := halvesOrHex(width, 0x00ff, userHex)
	if err != nil {
		return profile.Profile{}, profile.Profile{}, fmt.Errorf("-user: %w", err)
	}
	target, err := halvesOrHex(width, 0xaaaa, targetHex)
	if err != nil {
		return profile.Profile{}, profile.Profile{}, fmt.Errorf("-target: %w", err)
	}
	return user, target, nil
}

func halvesOrHex(width int, pattern uint16, hex string) (profile.Profile, error) {
	if hex != "" {
		return profile.ParseHex(width, hex)
	}
	if width < 32 || width%2 != 0 {
		return profile.Profile{}, fmt.Errorf("%w: default profiles need an even width of at least 32, got %d", profile.ErrEncoding, width)
	}
	var bits []int
	for _, offset := range []int{0, width / 2} {
		for b := 0; b < 16; b++ {
			if pattern&(1<<b) != 0 {
				bits = append(bits, offset+b)
			}
		}
	}
	return profile.New(width, bits...)
}

func clearMetrics(user, target profile.Profile) (distance, overlap int) {
	if x, err := user.Xor(target); err == nil {
		distance = x.PopCount()
	}
	if a, err := user.And(target); err == nil {
		overlap = a.PopCount()
	}
	return distance, overlap
}
