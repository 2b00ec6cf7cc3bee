package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/go-playground/validator/v10"

	echoapi "github.com/scolarflow/scolarflow/apps/api/echo"
	"github.com/scolarflow/scolarflow/core"
	"github.com/scolarflow/scolarflow/core/grading"
	appfs "github.com/scolarflow/scolarflow/fs"
	emailsvc "github.com/scolarflow/scolarflow/services/email"
	inmemdb "github.com/scolarflow/scolarflow/storage/database/inmem"
	testutil "github.com/scolarflow/scolarflow/tests"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type env struct {
	app     *echoapi.Server
	conf    *core.Config
	svc     grading.ServiceInterface
	mailSvc *emailsvc.ConsoleServiceMock
	fx      testutil.Fixture

	teacherToken string
	adminToken   string
	studentToken string
}

func setup(t *testing.T) env {
	conf := testutil.NewConfig()
	logger := testutil.NewLogger(conf)

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	grading.InitValidators(validate, translator)
	core.ParseEmailTemplates(appfs.FS, "templates/email", conf, logger)

	// set up DB & repos
	repo := inmemdb.NewGradingRepository(inmemdb.Open())
	fx := testutil.SeedClass(t, repo)

	// set up services
	svc, err := grading.NewService(repo, logger, conf, nil)
	if err != nil {
		t.Fatalf("setup() failed: %v", err)
	}
	mailSvc := emailsvc.NewConsoleServiceMock(conf, logger)

	return env{
		app:     echoapi.NewServer(conf, logger, svc, mailSvc, validate, translator),
		conf:    conf,
		svc:     svc,
		mailSvc: mailSvc,
		fx:      fx,

		teacherToken: getToken(t, conf, "u-teacher", "mme.bola", "bola@school.test", echoapi.RoleTeacher),
		adminToken:   getToken(t, conf, "u-admin", "principal", "", echoapi.RoleAdminPrincipal),
		studentToken: getToken(t, conf, "u-student", "amani", "amani@school.test", "student:"),
	}
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func (e env) do(method, path, token string, data ...[]byte) *httptest.ResponseRecorder {
	req, rec := newAuthRequest(method, path, token, data...)
	e.app.ServeHTTP(rec, req)
	return rec
}

func getToken(t *testing.T, conf *core.Config, sub, username, email string, roles ...string) string {
	token, err := echoapi.GenerateToken(echoapi.NewClaims(sub, username, email, roles, conf), conf)
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func marshalObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshalObj() failed: %v", err)
	}
	return data
}

func unmarshalBody(t *testing.T, rec *httptest.ResponseRecorder, obj interface{}) {
	if err := json.Unmarshal(rec.Body.Bytes(), obj); err != nil {
		t.Fatalf("unmarshalBody() failed: %v; body %s", err, rec.Body.String())
	}
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
