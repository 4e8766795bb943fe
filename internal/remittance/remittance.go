// Package remittance exports approved partner payouts as a CSV file for the
// finance team's bank transfer run.
package remittance

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"growth_service/internal/apperr"
	"growth_service/internal/compensation"
)

const pageSize = 200

var header = []string{
	"payout_id", "partner_id", "partner_name", "custom_code",
	"bank_name", "bank_code", "account_name", "account_number",
	"period_start", "period_end", "tier_level",
	"base_compensation", "bonus_compensation", "total_compensation", "approved_by",
}

// PayoutSource is the slice of the compensation engine the export reads.
type PayoutSource interface {
	ListPayoutsByStatus(ctx context.Context, status compensation.PayoutStatus, limit int, offset int) ([]compensation.Payout, error)
	GetPartner(ctx context.Context, id string) (*compensation.Partner, error)
}

type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

type Result struct {
	Key   string          `json:"key,omitempty"`
	Rows  int             `json:"rows"`
	Total decimal.Decimal `json:"total"`
}

type Exporter struct {
	source   PayoutSource
	uploader Uploader
	prefix   string
	log      *logrus.Logger
	now      func() time.Time
}

func NewExporter(source PayoutSource, uploader Uploader, prefix string, log *logrus.Logger) *Exporter {
	return &Exporter{
		source:   source,
		uploader: uploader,
		prefix:   prefix,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (e *Exporter) WithClock(now func() time.Time) *Exporter {
	e.now = now
	return e
}

// ExportApproved uploads one file listing every approved payout. Nothing
// is uploaded when there is nothing to pay.
func (e *Exporter) ExportApproved(ctx context.Context) (*Result, error) {
	var payouts []compensation.Payout
	for offset := 0; ; offset += pageSize {
		page, err := e.source.ListPayoutsByStatus(ctx, compensation.PayoutApproved, pageSize, offset)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, page...)
		if len(page) < pageSize {
			break
		}
	}

	result := &Result{Total: decimal.Zero}
	if len(payouts) == 0 {
		return result, nil
	}

	body, total, err := e.build(ctx, payouts)
	if err != nil {
		return nil, err
	}
	now := e.now()
	key := path.Join(e.prefix, now.Format("2006/01/02"), fmt.Sprintf("approved-payouts-%s.csv", now.Format("20060102T150405Z")))
	if err := e.uploader.Upload(ctx, key, body, "text/csv"); err != nil {
		return nil, apperr.Unavailable("remittance: upload", err)
	}

	result.Key = key
	result.Rows = len(payouts)
	result.Total = total
	e.log.WithFields(logrus.Fields{
		"key":   key,
		"rows":  result.Rows,
		"total": total.StringFixed(2),
	}).Info("remittance file uploaded")
	return result, nil
}

func (e *Exporter) build(ctx context.Context, payouts []compensation.Payout) ([]byte, decimal.Decimal, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, decimal.Zero, fmt.Errorf("failed to write csv header: %w", err)
	}

	partners := make(map[string]*compensation.Partner)
	total := decimal.Zero
	for _, p := range payouts {
		partner, ok := partners[p.PartnerID]
		if !ok {
			var err error
			partner, err = e.source.GetPartner(ctx, p.PartnerID)
			if err != nil {
				return nil, decimal.Zero, err
			}
			partners[p.PartnerID] = partner
		}
		row := []string{
			p.ID, partner.ID, partner.Name, partner.CustomCode,
			partner.BankName, partner.BankCode, partner.AccountName, partner.AccountNumber,
			p.PeriodStart.Format("2006-01-02"), p.PeriodEnd.Format("2006-01-02"), strconv.Itoa(p.TierLevel),
			p.BaseCompensation.StringFixed(2), p.BonusCompensation.StringFixed(2), p.TotalCompensation.StringFixed(2),
			p.ApprovedBy,
		}
		if err := w.Write(row); err != nil {
			return nil, decimal.Zero, fmt.Errorf("failed to write csv row: %w", err)
		}
		total = total.Add(p.TotalCompensation)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, decimal.Zero, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), total.Round(2), nil
}
