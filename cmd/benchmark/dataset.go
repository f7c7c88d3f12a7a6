package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Row is one labeled coupon redemption.
type Row struct {
	TransactionID  string
	UserID         string
	UserName       string
	Email          string
	Phone          string
	Date           time.Time
	Merchant       string
	VendorName     string
	Channel        string
	ItemsCount     int
	OriginalAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
	CouponCode     string
	Abuse          bool
}

var columns = []string{
	"transaction_id", "user_id", "user_name", "email", "phone_number", "transaction_date",
	"merchant", "vendor_name", "channel", "items_count", "original_amount",
	"discount_amount", "final_amount", "coupon_code", "abuse",
}

// readCSV loads labeled rows. Malformed rows are skipped.
func readCSV(path string, limit int) ([]Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return parseCSV(file, limit)
}

func parseCSV(r io.Reader, limit int) ([]Row, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"transaction_id", "abuse"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	field := func(record []string, name string) string {
		if i, ok := colIndex[name]; ok && i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}
	amount := func(record []string, name string) decimal.Decimal {
		d, err := decimal.NewFromString(field(record, name))
		if err != nil {
			return decimal.Zero
		}
		return d
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		items, _ := strconv.Atoi(field(record, "items_count"))
		date, _ := time.Parse(time.DateOnly, field(record, "transaction_date"))
		rows = append(rows, Row{
			TransactionID:  field(record, "transaction_id"),
			UserID:         field(record, "user_id"),
			UserName:       field(record, "user_name"),
			Email:          field(record, "email"),
			Phone:          field(record, "phone_number"),
			Date:           date,
			Merchant:       field(record, "merchant"),
			VendorName:     field(record, "vendor_name"),
			Channel:        field(record, "channel"),
			ItemsCount:     items,
			OriginalAmount: amount(record, "original_amount"),
			DiscountAmount: amount(record, "discount_amount"),
			FinalAmount:    amount(record, "final_amount"),
			CouponCode:     field(record, "coupon_code"),
			Abuse:          field(record, "abuse") == "1",
		})

		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

// generate builds a synthetic dataset: abusive rows reuse a small pool of
// identities, use blacklisted vendors and take 50-100% discounts; the rest
// have unique identities and 5-30% discounts.
func generate(n int, abuseRate float64, seed uint64) []Row {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	merchants := []string{"StoreA", "StoreB", "StoreC", "StoreD", "StoreE"}
	fraudVendors := []string{"FakeShop", "ScamStore", "FraudMart"}
	channels := []string{"online", "in-store"}
	coupons := []string{"SAVE10", "SAVE20", "FREESHIP", "WELCOME", "HOLIDAY50"}
	firstNames := []string{"Alice", "Bob", "Carol", "David", "Eva", "Frank", "Grace", "Henry", "Ivy", "John"}
	lastNames := []string{"Smith", "Johnson", "Williams", "Brown", "Jones", "Miller", "Davis", "Wilson"}
	domains := []string{"example.com", "test.com", "mail.com"}

	pick := func(s []string) string { return s[rng.IntN(len(s))] }
	phone := func() string { return fmt.Sprintf("+27%d", 600000000+rng.IntN(100000000)) }

	nAbuse := int(math.Round(float64(n) * abuseRate))
	pool := max(1, nAbuse/3)
	dupNames := make([]string, pool)
	dupEmails := make([]string, pool)
	dupPhones := make([]string, pool)
	for i := range pool {
		dupNames[i] = pick(firstNames) + " " + pick(lastNames)
		dupEmails[i] = fmt.Sprintf("fraud%d@%s", 1+rng.IntN(100), pick(domains))
		dupPhones[i] = phone()
	}

	now := time.Now().UTC().Truncate(24 * time.Hour)
	rows := make([]Row, n)
	for i := range n {
		original := decimal.NewFromFloat(20 + rng.Float64()*280).Round(2)
		row := Row{
			TransactionID:  fmt.Sprintf("tx_%04d", i+1),
			UserID:         fmt.Sprintf("user_%03d", 1+rng.IntN(100)),
			Date:           now.AddDate(0, 0, -rng.IntN(31)),
			Merchant:       pick(merchants),
			Channel:        pick(channels),
			ItemsCount:     1 + rng.IntN(5),
			OriginalAmount: original,
			CouponCode:     pick(coupons),
			Abuse:          i < nAbuse,
		}

		var share float64
		if row.Abuse {
			j := rng.IntN(pool)
			row.UserName, row.Email, row.Phone = dupNames[j], dupEmails[j], dupPhones[rng.IntN(pool)]
			row.VendorName = pick(fraudVendors)
			share = 0.5 + rng.Float64()*0.5
		} else {
			row.UserName = fmt.Sprintf("%s %s_%d", pick(firstNames), pick(lastNames), i)
			row.Email = strings.ReplaceAll(strings.ToLower(row.UserName), " ", ".") + "@" + pick(domains)
			row.Phone = phone()
			row.VendorName = pick(merchants)
			share = 0.05 + rng.Float64()*0.25
		}
		row.DiscountAmount = original.Mul(decimal.NewFromFloat(share)).Round(2)
		row.FinalAmount = original.Sub(row.DiscountAmount)
		rows[i] = row
	}

	rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
	return rows
}

func writeCSV(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(columns); err != nil {
		return err
	}
	for _, r := range rows {
		abuse := "0"
		if r.Abuse {
			abuse = "1"
		}
		err := w.Write([]string{
			r.TransactionID, r.UserID, r.UserName, r.Email, r.Phone, r.Date.Format(time.DateOnly),
			r.Merchant, r.VendorName, r.Channel, strconv.Itoa(r.ItemsCount), r.OriginalAmount.StringFixed(2),
			r.DiscountAmount.StringFixed(2), r.FinalAmount.StringFixed(2), r.CouponCode, abuse,
		})
		if err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
