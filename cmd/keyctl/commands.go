package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"neighborly/go-backend/internal/app"
	"neighborly/go-backend/internal/keypair"
	"neighborly/go-backend/pkg/models"
)

var (
	errUsage    = errors.New("usage")
	errNotReady = errors.New("key is not ready for secure messaging")
)

const maxStdinBytes = 1 << 20

type cmdEnv struct {
	svc    *app.Service
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

type command func(ctx context.Context, env *cmdEnv, args []string) error

var commands = map[string]command{
	"ensure":    cmdEnsure,
	"backup":    cmdBackup,
	"restore":   cmdRestore,
	"verify":    cmdVerify,
	"republish": cmdRepublish,
	"reset":     cmdReset,
	"wipe":      cmdWipe,
	"seal":      cmdSeal,
	"open":      cmdOpen,
	"doctor":    cmdDoctor,
}

// parseUser parses the -user flag shared by single-user commands, plus any
// extra flags registered by extra.
func parseUser(env *cmdEnv, name string, args []string, extra func(*flag.FlagSet)) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	user := fs.String("user", "", "User id (required)")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return "", errUsage
	}
	if strings.TrimSpace(*user) == "" {
		fmt.Fprintf(env.stderr, "%s: -user is required\n", name)
		return "", errUsage
	}
	return *user, nil
}

func cmdEnsure(ctx context.Context, env *cmdEnv, args []string) error {
	user, err := parseUser(env, "ensure", args, nil)
	if err != nil {
		return err
	}
	kp, err := env.svc.EnsureKeyPair(ctx, user)
	if len(kp.PublicKey) > 0 {
		fmt.Fprintf(env.stdout, "user=%s fingerprint=%s created_at=%s\n",
			kp.UserID, keypair.Fingerprint(kp.PublicKey), kp.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	if err != nil && errors.Is(err, keypair.ErrPublicationFailed) {
		fmt.Fprintln(env.stderr, "warning: key stored but not published; run `keyctl republish` once the directory is reachable")
		return nil
	}
	return err
}

func cmdBackup(ctx context.Context, env *cmdEnv, args []string) error {
	user, err := parseUser(env, "backup", args, nil)
	if err != nil {
		return err
	}
	res, err := env.svc.Backup(ctx, user)
	if err != nil {
		return err
	}
	defer res.Phrase.Wipe()
	fmt.Fprintln(env.stderr, "Write these words down in order. They are shown once and never stored.")
	for i, w := range res.Phrase {
		fmt.Fprintf(env.stdout, "%2d. %s\n", i+1, w)
	}
	return nil
}

func cmdRestore(ctx context.Context, env *cmdEnv, args []string) error {
	user, err := parseUser(env, "restore", args, nil)
	if err != nil {
		return err
	}
	phrase, err := readPhrase(env.stdin)
	if err != nil {
		return err
	}
	res, err := env.svc.Restore(ctx, user, phrase)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "restored user=%s fingerprint=%s\n", user, keypair.Fingerprint(res.KeyPair.PublicKey))
	if res.PublishErr != nil {
		fmt.Fprintf(env.stderr, "warning: restored key not yet published: %v\n", res.PublishErr)
	}
	return nil
}

func cmdVerify(ctx context.Context, env *cmdEnv, args []string) error {
	user, err := parseUser(env, "verify", args, nil)
	if err != nil {
		return err
	}
	phrase, err := readPhrase(env.stdin)
	if err != nil {
		return err
	}
	if err := env.svc.VerifyPhrase(ctx, user, phrase); err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, "phrase matches the stored key")
	return nil
}

func cmdRepublish(ctx context.Context, env *cmdEnv, args []string) error {
	user, err := parseUser(env, "republish", args, nil)
	if err != nil {
		return err
	}
	if err := env.svc.Republish(ctx, user); err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, "public key published")
	return nil
}

func cmdReset(ctx context.Context, env *cmdEnv, args []string) error {
	var yes *bool
	user, err := parseUser(env, "reset", args, func(fs *flag.FlagSet) {
		yes = fs.Bool("yes", false, "Confirm: messages sealed to the old key become unreadable")
	})
	if err != nil {
		return err
	}
	if !*yes {
		fmt.Fprintln(env.stderr, "reset: refusing without -yes")
		return errUsage
	}
	kp, err := env.svc.ResetKeyPair(ctx, user)
	if len(kp.PublicKey) > 0 {
		fmt.Fprintf(env.stdout, "reset user=%s fingerprint=%s\n", user, keypair.Fingerprint(kp.PublicKey))
	}
	return err
}

func cmdWipe(ctx context.Context, env *cmdEnv, args []string) error {
	var yes *bool
	user, err := parseUser(env, "wipe", args, func(fs *flag.FlagSet) {
		yes = fs.Bool("yes", false, "Confirm deletion of the local key")
	})
	if err != nil {
		return err
	}
	if !*yes {
		fmt.Fprintln(env.stderr, "wipe: refusing without -yes")
		return errUsage
	}
	if err := env.svc.Wipe(ctx, user); err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, "local key removed")
	return nil
}

func cmdSeal(ctx context.Context, env *cmdEnv, args []string) error {
	fs := flag.NewFlagSet("seal", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	from := fs.String("from", "", "Sender user id (required)")
	to := fs.String("to", "", "Recipient user id (required)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *from == "" || *to == "" {
		fmt.Fprintln(env.stderr, "seal: -from and -to are required")
		return errUsage
	}
	plaintext, err := io.ReadAll(io.LimitReader(env.stdin, maxStdinBytes))
	if err != nil {
		return err
	}
	envelope, err := env.svc.SendSecure(ctx, *from, *to, plaintext)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(env.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(envelope)
}

func cmdOpen(ctx context.Context, env *cmdEnv, args []string) error {
	user, err := parseUser(env, "open", args, nil)
	if err != nil {
		return err
	}
	var envelope models.EncryptedEnvelope
	if err := json.NewDecoder(io.LimitReader(env.stdin, maxStdinBytes)).Decode(&envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	plaintext, err := env.svc.Open(ctx, user, envelope)
	if err != nil {
		return err
	}
	_, err = env.stdout.Write(plaintext)
	return err
}

func cmdDoctor(ctx context.Context, env *cmdEnv, args []string) error {
	user, err := parseUser(env, "doctor", args, nil)
	if err != nil {
		return err
	}
	report, err := env.svc.Doctor(ctx, user)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(env.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Ready {
		return errNotReady
	}
	return nil
}

// readPhrase accepts the words on one or several lines.
func readPhrase(r io.Reader) (string, error) {
	var b strings.Builder
	sc := bufio.NewScanner(io.LimitReader(r, 64<<10))
	for sc.Scan() {
		b.WriteString(sc.Text())
		b.WriteByte(' ')
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	// Strip list numbering like "1." so a pasted backup listing is accepted.
	fields := strings.Fields(b.String())
	words := fields[:0]
	for _, f := range fields {
		if strings.TrimRight(f, "0123456789.") == "" {
			continue
		}
		words = append(words, f)
	}
	return strings.Join(words, " "), nil
}
