package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

// HeaderEvery 每輸出這麼多行重新輸出一次表頭
const HeaderEvery = 25

// Column 表格的一欄
type Column struct {
	Name         string
	Width        int
	RightAligned bool
}

// ColumnLogger 以固定寬度表格在 debug 等級輸出 tick 狀態
//
// 多個處理器共用同一個 ColumnLogger 時行可能交錯，表頭計數是全域的。
type ColumnLogger struct {
	log     *slog.Logger
	columns []Column
	format  string
	rows    atomic.Int64
}

// NewColumnLogger 建立表格 logger
func NewColumnLogger(log *slog.Logger, columns ...Column) *ColumnLogger {
	cells := make([]string, len(columns))
	for i, c := range columns {
		align := "-"
		if c.RightAligned {
			align = ""
		}
		cells[i] = fmt.Sprintf("%%%s%ds", align, c.Width)
	}
	return &ColumnLogger{
		log:     log,
		columns: columns,
		format:  "| " + strings.Join(cells, " | ") + " |",
	}
}

// NewTrailingStopColumns 追蹤止損的表格欄位
func NewTrailingStopColumns(log *slog.Logger) *ColumnLogger {
	return NewColumnLogger(log,
		Column{Name: "#", Width: 13},
		Column{Name: "Exchange", Width: 10},
		Column{Name: "Pair", Width: 10},
		Column{Name: "Operation", Width: 13},
		Column{Name: "Entry", Width: 13, RightAligned: true},
		Column{Name: "Stop", Width: 13, RightAligned: true},
		Column{Name: "Bid", Width: 13, RightAligned: true},
		Column{Name: "Last", Width: 13, RightAligned: true},
		Column{Name: "Ask", Width: 13, RightAligned: true},
	)
}

// Line 輸出一行；debug 未啟用時不做任何事
func (c *ColumnLogger) Line(values ...any) {
	ctx := context.Background()
	if !c.log.Enabled(ctx, slog.LevelDebug) {
		return
	}
	if (c.rows.Add(1)-1)%HeaderEvery == 0 {
		c.header(ctx)
	}
	c.log.Log(ctx, slog.LevelDebug, c.render(values))
}

func (c *ColumnLogger) header(ctx context.Context) {
	empties := make([]any, len(c.columns))
	names := make([]any, len(c.columns))
	for i, col := range c.columns {
		empties[i] = ""
		names[i] = col.Name
	}
	c.log.Log(ctx, slog.LevelDebug, c.render(empties))
	c.log.Log(ctx, slog.LevelDebug, c.render(names))
	c.log.Log(ctx, slog.LevelDebug, c.render(empties))
}

func (c *ColumnLogger) render(values []any) string {
	cells := make([]any, len(c.columns))
	for i := range cells {
		if i < len(values) {
			cells[i] = fmt.Sprint(values[i])
		} else {
			cells[i] = ""
		}
	}
	return fmt.Sprintf(c.format, cells...)
}
