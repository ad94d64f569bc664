package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SeedFromFile loads products from a file of
// name;description;price;stock;category lines. Blank lines and lines starting
// with # are skipped.
func SeedFromFile(ctx context.Context, store Storage, fileName string) (int, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return SeedProducts(ctx, store, f)
}

func SeedProducts(ctx context.Context, store Storage, r io.Reader) (int, error) {
	products, err := parseSeed(r)
	if err != nil {
		return 0, err
	}
	for i := range products {
		if err := store.CreateProduct(ctx, &products[i]); err != nil {
			return i, fmt.Errorf("insert %q: %w", products[i].Name, err)
		}
	}
	slog.Info("catalog seeded", "products", len(products))
	return len(products), nil
}

func parseSeed(r io.Reader) ([]Product, error) {
	now := time.Now().UTC()
	var products []Product
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		strs := strings.Split(line, ";")
		if len(strs) != 5 {
			return nil, fmt.Errorf("line %d: want 5 fields, got %d", lineNo, len(strs))
		}
		price, err := decimal.NewFromString(strings.TrimSpace(strs[2]))
		if err != nil || price.IsNegative() {
			return nil, fmt.Errorf("line %d: invalid price %q", lineNo, strs[2])
		}
		stock, err := strconv.Atoi(strings.TrimSpace(strs[3]))
		if err != nil || stock < 0 {
			return nil, fmt.Errorf("line %d: invalid stock %q", lineNo, strs[3])
		}
		req := ReqProduct{
			Name:        strs[0],
			Description: strings.TrimSpace(strs[1]),
			Price:       price,
			Stock:       stock,
			Category:    strs[4],
		}
		if err := validateProduct(&req); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		products = append(products, Product{
			ID:          uuid.NewString(),
			Name:        req.Name,
			Description: req.Description,
			Price:       req.Price,
			Category:    req.Category,
			Stock:       req.Stock,
			Images:      req.Images,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return products, scanner.Err()
}
