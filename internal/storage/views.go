package storage

import (
	"time"

	"clarium.evalgo.org/internal/clariumerr"
	"clarium.evalgo.org/internal/dataframe"
)

// ViewRow is the GORM-mapped catalog row backing a stored view: a name and
// its original SELECT text, per spec.md §4.1's "views as mere stored
// SELECT text" boundary.
type ViewRow struct {
	Name      string `gorm:"primaryKey"`
	SQL       string
	UpdatedAt time.Time
}

func (ViewRow) TableName() string { return "clarium_views" }

// ViewExecutor re-runs a view's stored SELECT text and returns its result
// dataframe. The core deliberately has no SQL parser of its own (spec.md
// §1's scope boundary: "SQL text lexing and clause-splitting ... assumed
// to deliver the abstract query tree"), so re-execution is supplied by
// whatever layer owns parsing+internal/selectexec.Run - the HTTP/wire
// server in a full deployment, or a test harness here. A Facade with no
// ViewExecutor bound can still store/list views; it just cannot serve
// `FROM <view>` until one is wired in.
type ViewExecutor func(sql string) (*dataframe.Dataframe, error)

// SetViewExecutor binds the callback readView delegates to.
func (f *Facade) SetViewExecutor(exec ViewExecutor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewExec = exec
}

// SaveView upserts a view definition. Every FROM reference re-executes the
// stored text from scratch (spec.md §9's "Open question: view semantics" -
// decided here as always-re-execute, never materialize, so a view always
// reflects its base tables' current contents with no invalidation policy
// to get wrong).
func (f *Facade) SaveView(name, sql string) error {
	row := ViewRow{Name: name, SQL: sql, UpdatedAt: time.Now()}
	if err := f.gdb.Save(&row).Error; err != nil {
		return clariumerr.IO(err, "saving view %q", name)
	}
	return nil
}

// DropView removes a stored view definition.
func (f *Facade) DropView(name string) error {
	if err := f.gdb.Delete(&ViewRow{}, "name = ?", name).Error; err != nil {
		return clariumerr.IO(err, "dropping view %q", name)
	}
	return nil
}

// readView looks up name's stored SELECT text and re-executes it via the
// bound ViewExecutor.
func (f *Facade) readView(name string) (*dataframe.Dataframe, error) {
	var row ViewRow
	if err := f.gdb.First(&row, "name = ?", name).Error; err != nil {
		return nil, clariumerr.NotFound("table or view %q not found", name)
	}

	f.mu.Lock()
	exec := f.viewExec
	f.mu.Unlock()
	if exec == nil {
		return nil, clariumerr.IO(nil, "view %q has no bound SQL executor to re-run %q", name, row.SQL)
	}
	return exec(row.SQL)
}
