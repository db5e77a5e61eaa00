package conf

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"gopkg.in/ini.v1"
)

var (
	ErrMissingRecoveryConf    = errors.New("err: missing recovery conf")
	ErrPrimaryConninfoMissing = errors.New("err: primary_conninfo missing in conf")
)

type Conf struct {
	file *ini.File
}

// FetchPrimaryConninfo returns the conninfo string a standby uses to reach
// its upstream. PostgreSQL 12+ exposes it as a regular setting; older
// versions keep it in recovery.conf, which we read through pg_read_file.
func FetchPrimaryConninfo(ctx context.Context, db *sqlx.DB) (string, error) {
	var conninfo string
	sqlStmt := `select setting from pg_settings where name = 'primary_conninfo'`
	err := db.GetContext(ctx, &conninfo, sqlStmt)
	switch {
	case err == sql.ErrNoRows:
		// Not a known GUC, so this server predates PG 12.
	case err != nil:
		return "", err
	case len(conninfo) > 0:
		return conninfo, nil
	}

	c, err := FetchAndParseRecoveryConfFromDB(ctx, db)
	if err != nil {
		return "", err
	}
	return c.GetPrimaryConninfo()
}

func FetchAndParseRecoveryConfFromDB(ctx context.Context, db *sqlx.DB) (*Conf, error) {
	sqlStmt := `select * from pg_read_file('recovery.conf')`
	rows, err := db.QueryxContext(ctx, sqlStmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// If the file does not exist, we'll receive an empty result.
	if !rows.Next() {
		return nil, ErrMissingRecoveryConf
	}

	var recoveryConf string
	err = rows.Scan(&recoveryConf)
	if err != nil {
		return nil, err
	}

	return Parse([]byte(recoveryConf))
}

func Parse(conf []byte) (*Conf, error) {
	file, err := ini.Load(conf)
	if err != nil {
		return nil, err
	}
	return &Conf{file}, nil
}

func (c *Conf) GetPrimaryConninfo() (string, error) {
	conninfo := c.file.Section("").Key("primary_conninfo").String()
	if len(conninfo) == 0 {
		return "", ErrPrimaryConninfoMissing
	}
	return conninfo, nil
}
