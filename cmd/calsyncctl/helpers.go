package main

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

func client() *resty.Client {
	return resty.New().
		SetBaseURL(apiFlag).
		SetTimeout(60 * time.Second).
		SetHeader("Content-Type", "application/json")
}

func checkStatus(resp *resty.Response, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode(), resp.String())
	}
	return resp.Body(), nil
}

func doGet(path string) ([]byte, error) {
	return checkStatus(client().R().Get(path))
}

func doPostJSON(path string, payload interface{}) ([]byte, error) {
	return checkStatus(client().R().SetBody(payload).Post(path))
}

func doPutJSON(path string, payload interface{}) ([]byte, error) {
	return checkStatus(client().R().SetBody(payload).Put(path))
}

func doDelete(path string) error {
	_, err := checkStatus(client().R().Delete(path))
	return err
}
