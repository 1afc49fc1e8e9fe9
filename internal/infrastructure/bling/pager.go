package bling

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/erp/collector/internal/domain/extraction"
)

// invoicePager walks the invoice listing page by page until an empty page
type invoicePager struct {
	client *Client
	filter extraction.InvoiceFilter
	page   int
	done   bool
}

func (p *invoicePager) Next(ctx context.Context) ([]extraction.InvoiceSummary, bool, error) {
	if p.done {
		return nil, false, nil
	}
	p.page++
	if p.page > p.client.config.MaxPages {
		p.done = true
		return nil, false, fmt.Errorf("%w: invoice listing exceeded %d pages", extraction.ErrUpstreamRequest, p.client.config.MaxPages)
	}

	body, err := p.client.get(ctx, "list_invoices", "nfe", p.query())
	if err != nil {
		return nil, false, err
	}
	var resp invoiceListResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, false, fmt.Errorf("%w: decode invoice page %d: %w", extraction.ErrUpstreamRequest, p.page, err)
	}
	if len(resp.Data) == 0 {
		p.done = true
		return nil, false, nil
	}

	loc := p.client.config.Location
	page := make([]extraction.InvoiceSummary, 0, len(resp.Data))
	for _, item := range resp.Data {
		page = append(page, item.toDomain(loc))
	}
	return page, true, nil
}

func (p *invoicePager) query() url.Values {
	q := url.Values{}
	if p.filter.DocumentType > 0 {
		q.Set("tipo", strconv.Itoa(p.filter.DocumentType))
	}
	q.Set("pagina", strconv.Itoa(p.page))
	q.Set("limite", strconv.Itoa(p.client.config.PageSize))
	if !p.filter.Period.Start.IsZero() {
		q.Set("dataEmissaoInicial", p.filter.Period.Start.Format(extraction.DateLayout))
	}
	if !p.filter.Period.End.IsZero() {
		q.Set("dataEmissaoFinal", p.filter.Period.End.Format(extraction.DateLayout))
	}
	if p.filter.Status > 0 {
		q.Set("situacao", strconv.Itoa(p.filter.Status))
	}
	return q
}
