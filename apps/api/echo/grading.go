package echoapi

import (
	"bytes"
	"net/http"
	"net/mail"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/scolarflow/scolarflow/core"
	"github.com/scolarflow/scolarflow/core/grading"
	exportsvc "github.com/scolarflow/scolarflow/services/export"
)

type gradingApi struct {
	svc      grading.ServiceInterface
	mailSvc  core.EmailService
	validate *validator.Validate
}

func registerGradingAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc grading.ServiceInterface,
	mailSvc core.EmailService,
	validate *validator.Validate,
) {
	api := gradingApi{
		svc:      svc,
		mailSvc:  mailSvc,
		validate: validate,
	}

	cg := g.Group("/classes/:classID", jwt, roleMiddleware(RoleAdmin, RoleTeacher))

	cg.GET("/formula", api.getFormula)
	cg.PUT("/formula", api.saveFormula)
	cg.POST("/formula/preview", api.previewFormula)
	cg.GET("/thresholds", api.getThresholds)
	cg.PUT("/thresholds", api.saveThresholds)

	eg := cg.Group("/evaluations/:evaluationID")
	eg.PUT("/grades", api.saveGrades)
	eg.GET("/results", api.computePeriod)
	eg.POST("/results", api.recordPeriod)
	eg.GET("/results.xlsx", api.exportPeriod)
	eg.GET("/averages", api.queryAverages)

	ag := cg.Group("/annual/:year")
	ag.GET("", api.computeAnnual)
	ag.GET("/export.xlsx", api.exportAnnual)
	ag.POST("/send", api.sendAnnual)
}

// Handlers

func (api *gradingApi) getFormula(ctx echo.Context) error {
	cfg, err := api.svc.GetFormulaConfig(ctx.Request().Context(), ctx.Param("classID"))
	if err != nil {
		return errors.Wrap(err, "getting formula config")
	}
	return ctx.JSON(http.StatusOK, cfg)
}

func (api *gradingApi) saveFormula(ctx echo.Context) error {
	var data grading.UpdateFormulaConfig
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateFormulaConfig")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	cfg, err := api.svc.SaveFormulaConfig(ctx.Request().Context(), ctx.Param("classID"), data)
	if err != nil {
		return errors.Wrap(err, "saving formula config")
	}
	return ctx.JSON(http.StatusOK, cfg)
}

func (api *gradingApi) previewFormula(ctx echo.Context) error {
	var data grading.FormulaPreview
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to FormulaPreview")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	res, err := api.svc.PreviewFormula(ctx.Request().Context(), ctx.Param("classID"), data)
	if err != nil {
		return errors.Wrap(err, "previewing formula")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *gradingApi) getThresholds(ctx echo.Context) error {
	th, err := api.svc.GetThreshold(ctx.Request().Context(), ctx.Param("classID"))
	if err != nil {
		return errors.Wrap(err, "getting thresholds")
	}
	return ctx.JSON(http.StatusOK, th)
}

func (api *gradingApi) saveThresholds(ctx echo.Context) error {
	var data grading.UpdateThreshold
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateThreshold")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	th, err := api.svc.SaveThreshold(ctx.Request().Context(), ctx.Param("classID"), data)
	if err != nil {
		return errors.Wrap(err, "saving thresholds")
	}
	return ctx.JSON(http.StatusOK, th)
}

func (api *gradingApi) saveGrades(ctx echo.Context) error {
	var data grading.SaveGrades
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SaveGrades")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	grades, err := api.svc.SaveGrades(ctx.Request().Context(), ctx.Param("classID"), ctx.Param("evaluationID"), data)
	if err != nil {
		return errors.Wrap(err, "saving grades")
	}
	return ctx.JSON(http.StatusOK, grades)
}

func (api *gradingApi) computePeriod(ctx echo.Context) error {
	report, err := api.svc.ComputePeriod(ctx.Request().Context(), ctx.Param("classID"), ctx.Param("evaluationID"))
	if err != nil {
		return errors.Wrap(err, "computing period")
	}
	return ctx.JSON(http.StatusOK, report)
}

func (api *gradingApi) recordPeriod(ctx echo.Context) error {
	report, err := api.svc.RecordPeriod(ctx.Request().Context(), ctx.Param("classID"), ctx.Param("evaluationID"))
	if err != nil {
		return errors.Wrap(err, "recording period")
	}
	return ctx.JSON(http.StatusOK, report)
}

func (api *gradingApi) queryAverages(ctx echo.Context) error {
	var ord Ordering
	ord.Bind(ctx)

	averages, err := api.svc.QueryPeriodAverages(ctx.Request().Context(), ctx.Param("classID"), ctx.Param("evaluationID"), ord.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying period averages")
	}
	return ctx.JSON(http.StatusOK, averages)
}

func (api *gradingApi) exportPeriod(ctx echo.Context) error {
	report, err := api.svc.ComputePeriod(ctx.Request().Context(), ctx.Param("classID"), ctx.Param("evaluationID"))
	if err != nil {
		return errors.Wrap(err, "computing period")
	}

	var buf bytes.Buffer
	if err = exportsvc.WritePeriod(&buf, report, report.EvaluationName); err != nil {
		return errors.Wrap(err, "writing period export")
	}
	return attachment(ctx, &buf, exportsvc.Filename(report.EvaluationName))
}

func (api *gradingApi) annualReport(ctx echo.Context) (grading.AnnualReport, error) {
	year := schoolYearParam{Year: ctx.Param("year")}
	if err := api.validate.Struct(year); err != nil {
		return grading.AnnualReport{}, err
	}
	report, err := api.svc.ComputeAnnual(ctx.Request().Context(), ctx.Param("classID"), year.Year)
	return report, errors.Wrap(err, "computing annual report")
}

func (api *gradingApi) computeAnnual(ctx echo.Context) error {
	report, err := api.annualReport(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, report)
}

func (api *gradingApi) exportAnnual(ctx echo.Context) error {
	report, err := api.annualReport(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err = exportsvc.WriteAnnual(&buf, report); err != nil {
		return errors.Wrap(err, "writing annual export")
	}
	return attachment(ctx, &buf, exportsvc.Filename(report.Class.Name, report.SchoolYear))
}

// sendAnnual emails the bilan annuel export to the authenticated user.
func (api *gradingApi) sendAnnual(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	if claims.Email == "" {
		return core.NewValidationError(errors.New("no email address is associated with this account"))
	}

	report, err := api.annualReport(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err = exportsvc.WriteAnnual(&buf, report); err != nil {
		return errors.Wrap(err, "writing annual export")
	}
	to := mail.Address{Name: claims.Username, Address: claims.Email}
	filename := exportsvc.Filename(report.Class.Name, report.SchoolYear)
	msg, err := grading.NewAnnualReportMessage(report, to, &buf, filename, exportsvc.XLSXContentType)
	if err != nil {
		return errors.Wrap(err, "building annual report email")
	}
	api.mailSvc.SendMessages(msg)

	return ctx.JSON(http.StatusAccepted, SuccessResponse{Success: "The annual report will be sent to " + claims.Email + "."})
}

type SuccessResponse struct {
	Success string `json:"success"`
}

func attachment(ctx echo.Context, buf *bytes.Buffer, filename string) error {
	ctx.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	return ctx.Blob(http.StatusOK, exportsvc.XLSXContentType, buf.Bytes())
}
