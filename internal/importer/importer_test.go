package importer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cap-immersion/sourcing-cli/internal/model"
	"github.com/cap-immersion/sourcing-cli/internal/store"
)

const stockHeader = "siret,name,address,lat,lon,naf,employee_range\n"

func TestImportCSV_LoadsRows(t *testing.T) {
	s := store.NewMemory()
	file := stockHeader +
		"11111111111111,Boulangerie Chéreau,1 rue du Four 75010 Paris,48.8841,2.3651,1071C,10-19\n" +
		"22222222222222,Menuiserie Dupont,3 allée des Chênes 91000 Évry,48.5961,2.4406,1623Z,6-9\n"

	stats, err := New(s, "api_sirene").ImportCSV(context.Background(), strings.NewReader(file))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Rows)
	assert.Equal(t, 2, stats.Imported)
	assert.Zero(t, stats.Malformed)

	est, err := s.GetEstablishment(context.Background(), "11111111111111")
	require.NoError(t, err)
	require.NotNil(t, est)
	assert.Equal(t, "Boulangerie Chéreau", est.Name)
	assert.Equal(t, "1071C", est.IndustryCode)
	assert.Equal(t, "api_sirene", est.DataSource)
	assert.InDelta(t, 48.8841, est.Position.Lat, 1e-9)
}

func TestImportCSV_SkipsMalformedRows(t *testing.T) {
	s := store.NewMemory()
	file := stockHeader +
		"123,Trop Court,adr,,,4711D,\n" + // bad siret
		"33333333333333,,adr,,,4711D,\n" + // empty name
		"44444444444444,Épicerie Ouverte,adr,not-a-lat,2.35,4711D,0\n" + // bad coords
		"55555555555555,Épicerie Valide,adr,,,4711D,0\n"

	stats, err := New(s, "api_sirene").ImportCSV(context.Background(), strings.NewReader(file))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Rows)
	assert.Equal(t, 1, stats.Imported)
	assert.Equal(t, 3, stats.Malformed)
}

func TestImportCSV_MissingRequiredColumn(t *testing.T) {
	_, err := New(store.NewMemory(), "api_sirene").ImportCSV(context.Background(),
		strings.NewReader("siret,address\n11111111111111,adr\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing column")
}

func TestImportCSV_DoesNotClobberFormRecords(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.UpsertBatch(ctx, []model.Establishment{{
		Siret:      "11111111111111",
		Name:       "Nom Saisi Par Le Tuteur",
		IsActive:   true,
		DataSource: model.SourceForm,
	}}, nil))

	file := stockHeader + "11111111111111,NOM ADMINISTRATIF,adr,,,1071C,10-19\n"
	_, err := New(s, "api_sirene").ImportCSV(ctx, strings.NewReader(file))
	require.NoError(t, err)

	est, err := s.GetEstablishment(ctx, "11111111111111")
	require.NoError(t, err)
	require.NotNil(t, est)
	assert.Equal(t, "Nom Saisi Par Le Tuteur", est.Name)
	assert.Equal(t, model.SourceForm, est.DataSource)
}

func TestImportCSV_BatchesFlushes(t *testing.T) {
	s := store.NewMemory()
	var sb strings.Builder
	sb.WriteString(stockHeader)
	sirets := []string{"10000000000001", "10000000000002", "10000000000003", "10000000000004", "10000000000005"}
	for _, siret := range sirets {
		sb.WriteString(siret + ",Etablissement " + siret + ",adr,,,4711D,0\n")
	}

	stats, err := New(s, "api_sirene", WithBatchSize(2)).ImportCSV(context.Background(), strings.NewReader(sb.String()))
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Imported)

	count, err := s.CountEstablishments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestImportCSV_SemicolonDelimiter(t *testing.T) {
	s := store.NewMemory()
	file := "siret;name;naf\n11111111111111;Boulangerie;1071C\n"

	stats, err := New(s, "api_sirene", WithDelimiter(';')).ImportCSV(context.Background(), strings.NewReader(file))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Imported)
}
