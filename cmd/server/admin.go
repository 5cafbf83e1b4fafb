package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/stockpilot/internal/api/middleware"
	"github.com/kiranshivaraju/stockpilot/internal/catalog"
	"github.com/kiranshivaraju/stockpilot/internal/config"
	"github.com/kiranshivaraju/stockpilot/internal/store"
	"github.com/kiranshivaraju/stockpilot/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

const apiKeyPrefix = "sp_"

var (
	companyName string

	productCompany     string
	productSKU         string
	productName        string
	productDescription string

	keyCompany string
	keyUser    string
	keyName    string
	keyScopes  []string
)

var companyCmd = &cobra.Command{
	Use:   "company",
	Short: "Manage companies",
}

var companyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a company",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if strings.TrimSpace(companyName) == "" {
			return errors.New("--name is required")
		}
		return withStore(cmd.Context(), func(s *store.PostgresStore) error {
			now := time.Now().UTC()
			c := &models.Company{ID: uuid.New(), Name: companyName, CreatedAt: now, UpdatedAt: now}
			if err := s.CreateCompany(cmd.Context(), c); err != nil {
				return err
			}
			printf(cmd, "company %s created: %s\n", c.Name, c.ID)
			return nil
		})
	},
}

var productCmd = &cobra.Command{
	Use:   "product",
	Short: "Manage products",
}

var productCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a product in a company catalogue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		companyID, err := uuid.Parse(productCompany)
		if err != nil {
			return fmt.Errorf("--company must be a UUID: %w", err)
		}
		in := catalog.ProductInput{SKU: productSKU, Name: productName}
		if productDescription != "" {
			in.Description = &productDescription
		}
		return withStore(cmd.Context(), func(s *store.PostgresStore) error {
			p, err := catalog.NewService(s, nil, nil).Create(cmd.Context(), companyID, in)
			if err != nil {
				return err
			}
			printf(cmd, "product %s created: %s\n", p.SKU, p.ID)
			return nil
		})
	},
}

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key. The raw key is printed once and never stored.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		companyID, err := uuid.Parse(keyCompany)
		if err != nil {
			return fmt.Errorf("--company must be a UUID: %w", err)
		}
		userID := uuid.New()
		if keyUser != "" {
			if userID, err = uuid.Parse(keyUser); err != nil {
				return fmt.Errorf("--user must be a UUID: %w", err)
			}
		}
		raw, key, err := newAPIKey(companyID, userID, keyName, keyScopes)
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(s *store.PostgresStore) error {
			if err := s.CreateAPIKey(cmd.Context(), key); err != nil {
				return err
			}
			printf(cmd, "api key %s created for user %s (scopes: %s)\n%s\n",
				key.ID, key.UserID, strings.Join(key.Scopes, ","), raw)
			return nil
		})
	},
}

func init() {
	companyCreateCmd.Flags().StringVar(&companyName, "name", "", "Company name")
	companyCmd.AddCommand(companyCreateCmd)

	productCreateCmd.Flags().StringVar(&productCompany, "company", "", "Owning company ID")
	productCreateCmd.Flags().StringVar(&productSKU, "sku", "", "SKU, unique within the company")
	productCreateCmd.Flags().StringVar(&productName, "name", "", "Product name")
	productCreateCmd.Flags().StringVar(&productDescription, "description", "", "Optional description")
	productCmd.AddCommand(productCreateCmd)

	apiKeyCreateCmd.Flags().StringVar(&keyCompany, "company", "", "Company the key acts for")
	apiKeyCreateCmd.Flags().StringVar(&keyUser, "user", "", "User the key acts as (generated when empty)")
	apiKeyCreateCmd.Flags().StringVar(&keyName, "name", "default", "Key label")
	apiKeyCreateCmd.Flags().StringSliceVar(&keyScopes, "scopes", []string{"read", "write"}, "Granted scopes")
	apiKeyCmd.AddCommand(apiKeyCreateCmd)

	rootCmd.AddCommand(companyCmd, productCmd, apiKeyCmd)
}

// newAPIKey generates a raw key and the record holding its bcrypt hash.
func newAPIKey(companyID, userID uuid.UUID, name string, scopes []string) (string, *models.APIKey, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := apiKeyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	return raw, &models.APIKey{
		ID:        uuid.New(),
		CompanyID: companyID,
		UserID:    userID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// withStore runs fn against a small pool on DATABASE_URL.
func withStore(ctx context.Context, fn func(s *store.PostgresStore) error) error {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}
	pool, err := store.Connect(ctx, config.DatabaseConfig{URL: databaseURL, MaxOpenConns: 2})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(store.NewPostgresStore(pool))
}
