package extraction

type itemKey struct {
	invoiceID int64
	code      string
}

// MergeItems collapses items sharing the same (invoice, product code) into one row.
// Quantity, total value and discount are summed; description, unit and unit value
// come from the first occurrence. Output keeps first-occurrence order.
// Lines without a product code are kept as they are.
func MergeItems(items []InvoiceItem) []InvoiceItem {
	if len(items) == 0 {
		return nil
	}
	index := make(map[itemKey]int, len(items))
	merged := make([]InvoiceItem, 0, len(items))
	for _, item := range items {
		if item.ProductCode == "" {
			merged = append(merged, item)
			continue
		}
		key := itemKey{invoiceID: item.InvoiceID, code: item.ProductCode}
		pos, ok := index[key]
		if !ok {
			index[key] = len(merged)
			merged = append(merged, item)
			continue
		}
		acc := &merged[pos]
		acc.Quantity = acc.Quantity.Add(item.Quantity)
		acc.TotalValue = acc.TotalValue.Add(item.TotalValue)
		acc.Discount = acc.Discount.Add(item.Discount)
	}
	return merged
}
