package main

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var foreignKey = regexp.MustCompile(`CONSTRAINT (\w+) FOREIGN KEY \(\w+\) REFERENCES \w+\(id\) ON DELETE (\w+)`)

func TestFinancialRecordsAreNotDeletedWithTheirOwner(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	onDelete := map[string]string{}
	for _, f := range files {
		raw, err := os.ReadFile(f)
		require.NoError(t, err)
		for _, m := range foreignKey.FindAllStringSubmatch(string(raw), -1) {
			onDelete[m[1]] = m[2]
		}
	}

	for _, name := range []string{"fk_payment_transactions_user", "fk_refunds_transaction"} {
		assert.Equal(t, "RESTRICT", onDelete[name], name)
	}
}
