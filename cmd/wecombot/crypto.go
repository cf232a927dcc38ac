package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"wecombot/internal/config"
	"wecombot/internal/wecomcrypto"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// cryptoFlags selects key material either from a configured account or from
// explicit flags, which win.
type cryptoFlags struct {
	account   string
	token     string
	aesKey    string
	receiveID string
}

func (f *cryptoFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&f.account, "account", "a", "", "take keys from this configured account")
	cmd.PersistentFlags().StringVar(&f.token, "token", "", "callback token")
	cmd.PersistentFlags().StringVar(&f.aesKey, "aes-key", "", "43-character EncodingAESKey")
	cmd.PersistentFlags().StringVar(&f.receiveID, "receive-id", "", "expected receive id (corp id or bot id)")
}

func (f *cryptoFlags) keys() (wecomcrypto.KeyMaterial, error) {
	var k wecomcrypto.KeyMaterial
	if f.account != "" || (f.token == "" && f.aesKey == "") {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return k, fmt.Errorf("load config: %w", err)
		}
		id := f.account
		if id == "" {
			id = config.DefaultAccount(cfg)
		}
		acct := config.ResolveAccount(cfg, id)
		k = wecomcrypto.KeyMaterial{Token: acct.Token, EncodingAESKey: acct.EncodingAESKey, ReceiveID: acct.ReceiveID}
	}
	if f.token != "" {
		k.Token = f.token
	}
	if f.aesKey != "" {
		k.EncodingAESKey = f.aesKey
	}
	if f.receiveID != "" {
		k.ReceiveID = f.receiveID
	}
	return k, nil
}

func (f *cryptoFlags) codec() (*wecomcrypto.Codec, wecomcrypto.KeyMaterial, error) {
	k, err := f.keys()
	if err != nil {
		return nil, k, err
	}
	c, err := wecomcrypto.NewCodec(k.EncodingAESKey, k.ReceiveID)
	return c, k, err
}

func cryptoCmd() *cobra.Command {
	var flags cryptoFlags
	cmd := &cobra.Command{
		Use:   "crypto",
		Short: "Sign, encrypt and decrypt WeCom callback payloads",
		Long:  "Offline helpers for debugging a webhook: they use the same codec as the gateway.",
	}
	flags.register(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "sign [timestamp] [nonce] [encrypt]",
		Short: "Compute msg_signature",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := flags.keys()
			if err != nil {
				return err
			}
			if k.Token == "" {
				return fmt.Errorf("no token: pass --token or configure the account")
			}
			fmt.Println(wecomcrypto.Sign(k.Token, args[0], args[1], args[2]))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "encrypt [plaintext]",
		Short: "Encrypt a plaintext and print a signed callback body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, k, err := flags.codec()
			if err != nil {
				return err
			}
			encrypted, err := c.Encrypt([]byte(args[0]))
			if err != nil {
				return err
			}
			ts := strconv.FormatInt(time.Now().Unix(), 10)
			nonce := uuid.NewString()[:8]
			out, _ := json.MarshalIndent(map[string]string{
				"encrypt":       encrypted,
				"timestamp":     ts,
				"nonce":         nonce,
				"msg_signature": wecomcrypto.Sign(k.Token, ts, nonce, encrypted),
			}, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "decrypt [encrypt]",
		Short: "Decrypt a payload and check its receive id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := flags.codec()
			if err != nil {
				return err
			}
			plain, err := c.Decrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Println(string(plain))
			return nil
		},
	})

	var baseURL string
	verify := &cobra.Command{
		Use:   "verify-url [echostr]",
		Short: "Build a signed URL-verification request like the platform sends",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, k, err := flags.codec()
			if err != nil {
				return err
			}
			echo := "wecombot-" + uuid.NewString()
			if len(args) == 1 {
				echo = args[0]
			}
			encrypted, err := c.Encrypt([]byte(echo))
			if err != nil {
				return err
			}
			ts := strconv.FormatInt(time.Now().Unix(), 10)
			nonce := uuid.NewString()[:8]
			q := url.Values{}
			q.Set("msg_signature", wecomcrypto.Sign(k.Token, ts, nonce, encrypted))
			q.Set("timestamp", ts)
			q.Set("nonce", nonce)
			q.Set("echostr", encrypted)
			fmt.Println(baseURL + "?" + q.Encode())
			fmt.Printf("expected response body: %s\n", echo)
			return nil
		},
	}
	verify.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8787"+config.DefaultWebhookPath, "webhook URL")
	cmd.AddCommand(verify)

	return cmd
}
